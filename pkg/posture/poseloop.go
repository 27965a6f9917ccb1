package posture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deskcoach/deskcoach/internal/config"
)

// Tick is published to every PoseLoop subscriber once per sample, and once
// more per status-publication interval even when no new sample was taken
// (spec.md §4.F: "status publication...runs on its own ~1Hz cadence,
// independent of the sampling rate"). Transition is non-nil only on the
// samples where the state machine actually changed state.
type Tick struct {
	Now        time.Time
	Sample     MetricSample
	HasSample  bool
	State      PostureState
	CurrentFPS int
	Transition *Transition
}

// PoseLoop drives capture, estimation, smoothing, and the state machine on
// a ticker-paced cadence, adapted from the teacher's Tracker: a single
// goroutine owns all mutable pipeline state, and results fan out to
// subscribers over buffered, non-blocking channels so a slow consumer never
// stalls the capture loop.
type PoseLoop struct {
	camera    CameraSource
	estimator Estimator

	mu         sync.Mutex
	cameraCfg  config.CameraConfig
	smoothCfg  config.SmoothingConfig
	govCfg     config.GovernorConfig
	thresholds config.Thresholds

	smoother *ChannelSmoother
	rolling  *RollingBuffer
	sm       *StateMachine

	currentFPS int

	lowFrameTimeSince time.Time
	goodSince         time.Time

	subs   map[int]chan Tick
	nextID int

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoseLoop constructs a pose loop against an already-calibrated
// baseline. Run opens the camera and closes it on exit; the estimator is
// used as supplied and is never opened or closed by PoseLoop.
func NewPoseLoop(camera CameraSource, estimator Estimator, baseline Baseline, cfg *config.Config, now time.Time) *PoseLoop {
	return &PoseLoop{
		camera:     camera,
		estimator:  estimator,
		cameraCfg:  cfg.Camera,
		smoothCfg:  cfg.Smoothing,
		govCfg:     cfg.Governor,
		thresholds: cfg.Thresholds,
		smoother:   NewChannelSmoother(cfg.Smoothing.Alpha),
		rolling:    NewRollingBuffer(cfg.Smoothing.BufferWindowSec),
		sm:         NewStateMachine(baseline, cfg.Thresholds, now),
		currentFPS: cfg.Camera.FPS,
		subs:       make(map[int]chan Tick),
	}
}

// UpdateConfig applies a hot-reloaded configuration. Governor settings and
// the smoothing MinVisibility take effect on the next tick; the smoother's
// alpha and the rolling buffer's window are fixed at construction and are
// not changed here. Threshold changes are pushed straight into the state
// machine (spec.md §4.J: "changes...apply without restart").
func (p *PoseLoop) UpdateConfig(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.smoothCfg = cfg.Smoothing
	p.govCfg = cfg.Governor
	p.thresholds = cfg.Thresholds
	p.sm.SetThresholds(cfg.Thresholds)
}

// Subscribe registers a channel that receives every Tick. The returned
// function unsubscribes. The channel is buffered (capacity 4) and a full
// channel simply drops the tick rather than blocking the loop.
func (p *PoseLoop) Subscribe() (<-chan Tick, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Tick, 4)
	p.subs[id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if existing, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(existing)
		}
	}
}

func (p *PoseLoop) publish(t Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// State returns the current posture state.
func (p *PoseLoop) State() PostureState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sm.State()
}

// ApplyDismissBackoff forwards an active dismiss-backoff window into the
// state machine so detection windows accumulate against the raised
// per-channel thresholds for its duration (spec.md §4.D). The notification
// policy owns the backoff timer; this only mirrors its state into the
// state machine.
func (p *PoseLoop) ApplyDismissBackoff(now time.Time, durationSec, deltaDeg, deltaCM float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sm.ApplyDismissBackoff(now, durationSec, deltaDeg, deltaCM)
}

// Run opens the camera and drives the capture/estimate/classify loop until
// ctx is canceled or an unrecoverable camera error occurs. Mirrors the
// teacher's trackingLoop structure: a ticker paces sampling, a second
// ticker paces status publication, and both are serviced from one select
// loop so pipeline state never needs a second lock domain.
func (p *PoseLoop) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pose loop already running")
	}
	cameraCfg := p.cameraCfg
	p.running = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(p.done)
	}()

	if err := p.camera.Open(cameraCfg.DeviceID, cameraCfg.Width, cameraCfg.Height, cameraCfg.FPS); err != nil {
		return fmt.Errorf("opening camera: %w", err)
	}
	defer p.camera.Close()

	sampleTicker := time.NewTicker(p.tickInterval())
	defer sampleTicker.Stop()
	statusTicker := time.NewTicker(time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil

		case now := <-sampleTicker.C:
			p.processSample(runCtx, now, sampleTicker)

		case now := <-statusTicker.C:
			p.mu.Lock()
			state := p.sm.State()
			fps := p.currentFPS
			p.mu.Unlock()
			p.publish(Tick{Now: now, State: state, CurrentFPS: fps})
		}
	}
}

// Stop cancels a running loop and waits for it to exit.
func (p *PoseLoop) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (p *PoseLoop) tickInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Second / time.Duration(p.currentFPS)
}

// processSample captures one frame, runs estimation and smoothing, feeds
// the state machine, and adjusts the adaptive governor. Frame-skip (spec.md
// §4.F: "skip estimation...when GOOD has held for skip_good_hold_sec and
// confidence has stayed at/above skip_confidence_min") reuses the last
// accepted sample's metrics rather than re-running the estimator, so the
// condition windows keep advancing in real time without the capture cost.
// Only a tick that directly follows a processed frame is skipped, so while
// skipping is eligible every second frame is still captured and estimated.
func (p *PoseLoop) processSample(ctx context.Context, now time.Time, sampleTicker *time.Ticker) {
	p.mu.Lock()
	minVisibility := p.smoothCfg.MinVisibility
	skipEnabled := p.govCfg.SkipEnabled
	skipConfMin := p.govCfg.SkipConfidenceMin
	skipHold := p.govCfg.SkipGoodHoldSec
	state := p.sm.State()
	goodSince := p.goodSince
	lastSample := p.rolling.Samples()
	interval := time.Second / time.Duration(p.currentFPS)
	p.mu.Unlock()

	canSkip := skipEnabled && state == StateGood && !goodSince.IsZero() &&
		now.Sub(goodSince).Seconds() >= skipHold &&
		len(lastSample) > 0 && lastSample[len(lastSample)-1].Conf >= skipConfMin &&
		now.Sub(lastSample[len(lastSample)-1].Ts) < interval*3/2

	if canSkip {
		last := lastSample[len(lastSample)-1]
		reused := MetricSample{Ts: now, NeckDeg: last.NeckDeg, TorsoDeg: last.TorsoDeg, Lateral: last.Lateral, Conf: last.Conf}
		p.applySample(reused, true, now)
		return
	}

	start := time.Now()
	rgb, w, h, err := p.camera.Read()
	if err != nil {
		p.applySample(MetricSample{}, false, now)
		return
	}

	frame, ok, err := p.estimator.Estimate(ctx, rgb, w, h)
	elapsed := time.Since(start)
	p.adjustGovernor(elapsed, sampleTicker)

	if err != nil || !ok {
		p.applySample(MetricSample{}, false, now)
		return
	}

	raw, extracted := ExtractMetrics(frame, now, minVisibility)
	if !extracted {
		p.applySample(MetricSample{}, false, now)
		return
	}

	p.mu.Lock()
	smoothed := p.smoother.Smooth(raw)
	p.rolling.Append(smoothed)
	p.mu.Unlock()

	p.applySample(smoothed, true, now)
}

func (p *PoseLoop) applySample(sample MetricSample, hasSample bool, now time.Time) {
	p.mu.Lock()
	tr := p.sm.Tick(sample, hasSample, now)
	state := p.sm.State()
	if state == StateGood && p.goodSince.IsZero() {
		p.goodSince = now
	} else if state != StateGood {
		p.goodSince = time.Time{}
	}
	fps := p.currentFPS
	p.mu.Unlock()

	p.publish(Tick{Now: now, Sample: sample, HasSample: hasSample, State: state, CurrentFPS: fps, Transition: tr})
}

// adjustGovernor implements the adaptive FPS rule (spec.md §4.F): a single
// slow frame drops FPS immediately; a sustained run of fast frames raises
// it. The hysteresis mirrors the high-severity-run tracking pattern used by
// the state machine.
func (p *PoseLoop) adjustGovernor(elapsed time.Duration, sampleTicker *time.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ms := float64(elapsed.Microseconds()) / 1000.0
	changed := false

	if ms > p.govCfg.FrameTimeHighMS {
		if p.currentFPS > p.govCfg.MinFPS {
			p.currentFPS--
			changed = true
		}
		p.lowFrameTimeSince = time.Time{}
	} else if ms < p.govCfg.FrameTimeLowMS {
		now := time.Now()
		if p.lowFrameTimeSince.IsZero() {
			p.lowFrameTimeSince = now
		} else if now.Sub(p.lowFrameTimeSince).Seconds() >= p.govCfg.FrameTimeLowHoldSec {
			if p.currentFPS < p.govCfg.MaxFPS {
				p.currentFPS++
				changed = true
			}
			p.lowFrameTimeSince = now
		}
	} else {
		p.lowFrameTimeSince = time.Time{}
	}

	if changed {
		sampleTicker.Reset(time.Second / time.Duration(p.currentFPS))
	}
}
