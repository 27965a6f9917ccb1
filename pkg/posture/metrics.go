package posture

import (
	"math"
	"time"
)

// MetricSample is a single frame's geometric posture measurement
// (spec.md §3: "{ts, neck_deg, torso_deg, lateral, conf}").
type MetricSample struct {
	Ts       time.Time
	NeckDeg  float64
	TorsoDeg float64
	Lateral  float64
	Conf     float64
}

// ExtractMetrics computes neck flexion, torso flexion, lateral lean, and
// confidence from a landmark frame (spec.md §4.A). It returns ok=false if
// fewer than the required landmarks meet minVisibility — callers must treat
// that as "pause evaluation this frame" (spec.md §4.A, §7).
func ExtractMetrics(f Frame, now time.Time, minVisibility float64) (MetricSample, bool) {
	ls, lsOK := visible(f, LandmarkLeftShoulder, minVisibility)
	rs, rsOK := visible(f, LandmarkRightShoulder, minVisibility)
	lh, lhOK := visible(f, LandmarkLeftHip, minVisibility)
	rh, rhOK := visible(f, LandmarkRightHip, minVisibility)
	le, leOK := visible(f, LandmarkLeftEar, minVisibility)
	re, reOK := visible(f, LandmarkRightEar, minVisibility)

	if !lsOK && !rsOK {
		return MetricSample{}, false
	}
	if !lhOK && !rhOK {
		return MetricSample{}, false
	}
	if !leOK && !reOK {
		return MetricSample{}, false
	}

	shoulderMid, shoulderVis := midpoint(ls, lsOK, rs, rsOK)
	hipMid, hipVis := midpoint(lh, lhOK, rh, rhOK)
	earMid, earVis := midpoint(le, leOK, re, reOK)

	neckDeg := angleFromVertical(earMid.X-shoulderMid.X, earMid.Y-shoulderMid.Y)
	torsoDeg := angleFromVertical(shoulderMid.X-hipMid.X, shoulderMid.Y-hipMid.Y)

	var lateral float64
	if lsOK && rsOK {
		shoulderWidth := math.Abs(ls.X - rs.X)
		if shoulderWidth > 1e-6 {
			lateral = math.Abs(ls.Y-rs.Y) / shoulderWidth
		}
	}

	conf := math.Min(shoulderVis, math.Min(hipVis, earVis))

	return MetricSample{
		Ts:       now,
		NeckDeg:  neckDeg,
		TorsoDeg: torsoDeg,
		Lateral:  lateral,
		Conf:     conf,
	}, true
}

// shoulderWidthProxy returns the inter-shoulder x-distance used as the
// lateral-lean denominator and as the calibration baseline's shoulder-width
// proxy (spec.md §3, §4.B). Returns ok=false if either shoulder is missing.
func shoulderWidthProxy(f Frame, minVisibility float64) (float64, bool) {
	ls, lsOK := visible(f, LandmarkLeftShoulder, minVisibility)
	rs, rsOK := visible(f, LandmarkRightShoulder, minVisibility)
	if !lsOK || !rsOK {
		return 0, false
	}
	return math.Abs(ls.X - rs.X), true
}

func visible(f Frame, idx int, minVisibility float64) (Landmark, bool) {
	lm := f.Landmarks[idx]
	return lm, lm.Visibility >= minVisibility
}

// midpoint averages two optionally-present points, falling back to
// whichever single point is visible (spec.md §4.A: "midpoint of left/right
// if both visible, else the visible side").
func midpoint(a Landmark, aOK bool, b Landmark, bOK bool) (Landmark, float64) {
	switch {
	case aOK && bOK:
		return Landmark{
			X:          (a.X + b.X) / 2,
			Y:          (a.Y + b.Y) / 2,
			Visibility: math.Min(a.Visibility, b.Visibility),
		}, math.Min(a.Visibility, b.Visibility)
	case aOK:
		return a, a.Visibility
	default:
		return b, b.Visibility
	}
}

// angleFromVertical returns the angle, in degrees, between vector (dx,dy)
// and the in-image vertical axis (spec.md §4.A: "Angles use the in-image
// vertical ... deliberately so small camera tilts cancel out"). Image
// coordinates grow downward, so "up" is (0,-1).
func angleFromVertical(dx, dy float64) float64 {
	norm := math.Hypot(dx, dy)
	if norm < 1e-9 {
		return 0
	}
	cosTheta := -dy / norm
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	return math.Acos(cosTheta) * 180 / math.Pi
}

// EMA is a first-order exponential moving average (spec.md §4.A: "Each
// channel is passed through a first-order EMA with α=0.3"). Grounded on
// ja7ad-consumption's pkg/system/util.EMA: same two-field shape,
// initialize-on-first-sample semantics.
type EMA struct {
	alpha float64
	value float64
	ready bool
}

// NewEMA creates an EMA with the given smoothing factor, configurable in
// [0.1, 0.5] per spec.md §4.A.
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// Update folds in a new raw value and returns the smoothed value.
func (e *EMA) Update(v float64) float64 {
	if !e.ready {
		e.value = v
		e.ready = true
		return v
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current smoothed value without updating it.
func (e *EMA) Value() float64 { return e.value }

// Reset clears the EMA so the next Update initializes it fresh.
func (e *EMA) Reset() {
	e.value = 0
	e.ready = false
}

// ChannelSmoother applies one EMA per posture channel to a stream of raw
// metric samples.
type ChannelSmoother struct {
	neck    *EMA
	torso   *EMA
	lateral *EMA
}

// NewChannelSmoother creates a smoother with the given alpha applied to all
// three channels.
func NewChannelSmoother(alpha float64) *ChannelSmoother {
	return &ChannelSmoother{
		neck:    NewEMA(alpha),
		torso:   NewEMA(alpha),
		lateral: NewEMA(alpha),
	}
}

// Smooth updates all three channel EMAs and returns the smoothed sample.
// Conf is passed through unsmoothed — it is a per-frame gating score, not a
// tracked channel.
func (s *ChannelSmoother) Smooth(raw MetricSample) MetricSample {
	return MetricSample{
		Ts:       raw.Ts,
		NeckDeg:  s.neck.Update(raw.NeckDeg),
		TorsoDeg: s.torso.Update(raw.TorsoDeg),
		Lateral:  s.lateral.Update(raw.Lateral),
		Conf:     raw.Conf,
	}
}

// Reset clears all three channel EMAs.
func (s *ChannelSmoother) Reset() {
	s.neck.Reset()
	s.torso.Reset()
	s.lateral.Reset()
}

// RollingBuffer keeps a time-ordered, wall-clock-bounded history of metric
// samples (spec.md §3: "kept only in rolling buffers (≤120s)"); the pose
// loop appends its smoothed samples and reads the newest one to decide
// frame skip and to supply the metrics a skipped tick reuses. It is not
// consulted by the state machine, which uses the boolean ConditionWindow
// instead (spec.md §4.C).
type RollingBuffer struct {
	windowSec float64
	samples   []MetricSample
}

// NewRollingBuffer creates a buffer bounded to windowSec of wall-clock time
// (configurable 30-120s, default 60s per spec.md §4.A).
func NewRollingBuffer(windowSec float64) *RollingBuffer {
	return &RollingBuffer{windowSec: windowSec}
}

// Append adds a sample and evicts anything older than windowSec relative to
// the sample's own timestamp.
func (b *RollingBuffer) Append(s MetricSample) {
	b.samples = append(b.samples, s)
	cutoff := s.Ts.Add(-time.Duration(b.windowSec * float64(time.Second)))
	i := 0
	for i < len(b.samples) && b.samples[i].Ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// Len returns the number of samples currently retained.
func (b *RollingBuffer) Len() int { return len(b.samples) }

// Samples returns a copy of the currently retained samples, oldest first.
func (b *RollingBuffer) Samples() []MetricSample {
	out := make([]MetricSample, len(b.samples))
	copy(out, b.samples)
	return out
}
