package posture

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/deskcoach/deskcoach/internal/atomicfile"
)

// ErrInsufficientSamples is returned when a calibration run accepts fewer
// than ⌈0.3·D·FPS⌉ confident samples (spec.md §4.B).
var ErrInsufficientSamples = errors.New("insufficient samples accepted during calibration")

// ErrCalibrationInProgress is returned when a calibration is attempted while
// another instance holds the calibration lockfile (spec.md §4.B:
// "single-instance guarded").
var ErrCalibrationInProgress = errors.New("a calibration is already in progress")

// Baseline is the per-user posture baseline persisted by a successful
// calibration run (spec.md §3).
type Baseline struct {
	Neck0              float64   `json:"neck0"`
	Torso0             float64   `json:"torso0"`
	Lateral0           float64   `json:"lateral0"`
	ShoulderWidthProxy float64   `json:"shoulder_width_proxy"`
	CalibratedAt       time.Time `json:"calibrated_at"`
	SampleCount        int       `json:"sample_count"`
	ConfMean           float64   `json:"conf_mean"`
	Version            int       `json:"version"`
}

const baselineVersion = 1

// LoadBaseline reads a previously saved baseline. A missing file is not an
// error: it is reported via ok=false so callers can hold the state machine
// inactive (spec.md §3: "absent baseline ⇒ state machine inactive").
func LoadBaseline(path string) (Baseline, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Baseline{}, false, nil
		}
		return Baseline{}, false, fmt.Errorf("reading baseline file: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, false, fmt.Errorf("parsing baseline file: %w", err)
	}
	return b, true, nil
}

// Save writes the baseline atomically (write temp + rename).
func (b Baseline) Save(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling baseline: %w", err)
	}
	data = append(data, '\n')
	return atomicfile.Write(path, data, 0o644)
}

// CalibrationPhase is the calibration run's published lifecycle stage
// (spec.md §3: "calibration progress snapshot").
type CalibrationPhase string

const (
	PhasePreparing  CalibrationPhase = "preparing"
	PhaseCapturing  CalibrationPhase = "capturing"
	PhaseAggregating CalibrationPhase = "aggregating"
	PhaseSaving     CalibrationPhase = "saving"
	PhaseDone       CalibrationPhase = "done"
	PhaseError      CalibrationPhase = "error"
)

// CalibrationProgress is the compact, whole-record-rewritten snapshot
// published at up to 4 Hz during calibration (spec.md §3).
type CalibrationProgress struct {
	Phase           CalibrationPhase `json:"phase"`
	Progress        float64          `json:"progress"`
	ElapsedSec      float64          `json:"elapsed_sec"`
	SamplesCaptured int              `json:"samples_captured"`
	ConfMean        float64          `json:"conf_mean"`
	EtaSec          *float64         `json:"eta_sec,omitempty"`
	Baseline        *Baseline        `json:"baseline,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// acceptedSample is one confident, per-frame measurement folded into
// aggregation.
type acceptedSample struct {
	neck, torso, lateral, shoulderWidth, conf float64
}

// Calibrator runs a single calibration session: capture for D seconds,
// reject low-confidence frames, then aggregate by median (spec.md §4.B).
// Preparing/capturing pacing is driven by the caller feeding frames through
// Submit — Calibrator has no camera or clock dependency of its own, matching
// the pose loop's ownership of the camera session (spec.md §3 "Ownership").
type Calibrator struct {
	durationSec   float64
	fps           int
	minVisibility float64
	minConf       float64

	phase     CalibrationPhase
	startedAt time.Time
	samples   []acceptedSample
	errMsg    string
}

// NewCalibrator creates a calibrator for a D-second run (D∈[15,45],
// default 25) sampled at fps.
func NewCalibrator(durationSec float64, fps int) *Calibrator {
	return &Calibrator{
		durationSec:   durationSec,
		fps:           fps,
		minVisibility: 0.5,
		minConf:       0.5,
		phase:         PhasePreparing,
	}
}

// Begin marks the transition from preparing to capturing at now.
func (c *Calibrator) Begin(now time.Time) {
	c.phase = PhaseCapturing
	c.startedAt = now
}

// Phase returns the current phase.
func (c *Calibrator) Phase() CalibrationPhase { return c.phase }

// Submit feeds one metric sample (already extracted and, if below
// minConf, already null per spec.md §4.A) into the capture window. Samples
// with conf < 0.5 are rejected per spec.md §4.B.
func (c *Calibrator) Submit(s MetricSample, shoulderWidth float64, shoulderWidthOK bool) {
	if c.phase != PhaseCapturing {
		return
	}
	if s.Conf < c.minConf || !shoulderWidthOK {
		return
	}
	c.samples = append(c.samples, acceptedSample{
		neck:          s.NeckDeg,
		torso:         s.TorsoDeg,
		lateral:       s.Lateral,
		shoulderWidth: shoulderWidth,
		conf:          s.Conf,
	})
}

// Progress reports capture progress for the progress snapshot.
func (c *Calibrator) Progress(now time.Time) CalibrationProgress {
	if c.phase != PhaseCapturing {
		return CalibrationProgress{Phase: c.phase, SamplesCaptured: len(c.samples)}
	}
	elapsed := now.Sub(c.startedAt).Seconds()
	progress := elapsed / c.durationSec
	if progress > 1 {
		progress = 1
	}
	remaining := c.durationSec - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return CalibrationProgress{
		Phase:           PhaseCapturing,
		Progress:        progress,
		ElapsedSec:      elapsed,
		SamplesCaptured: len(c.samples),
		ConfMean:        meanConf(c.samples),
		EtaSec:          &remaining,
	}
}

// Done reports whether the capture duration has elapsed, per now.
func (c *Calibrator) Done(now time.Time) bool {
	return c.phase == PhaseCapturing && now.Sub(c.startedAt).Seconds() >= c.durationSec
}

// Finish aggregates accepted samples by median and returns the resulting
// baseline. It moves the calibrator to aggregating, then to error when too
// few samples were accepted, or to saving on success; MarkSaved completes
// the move to done (spec.md §4.B phases).
func (c *Calibrator) Finish(now time.Time) (Baseline, error) {
	c.phase = PhaseAggregating

	required := int(math.Ceil(0.3 * c.durationSec * float64(c.fps)))
	if len(c.samples) < required {
		c.phase = PhaseError
		c.errMsg = fmt.Sprintf("only %d of the required %d samples were accepted", len(c.samples), required)
		return Baseline{}, ErrInsufficientSamples
	}

	necks := make([]float64, len(c.samples))
	torsos := make([]float64, len(c.samples))
	laterals := make([]float64, len(c.samples))
	widths := make([]float64, len(c.samples))
	var confSum float64
	for i, s := range c.samples {
		necks[i] = s.neck
		torsos[i] = s.torso
		laterals[i] = s.lateral
		widths[i] = s.shoulderWidth
		confSum += s.conf
	}

	b := Baseline{
		Neck0:              median(necks),
		Torso0:             median(torsos),
		Lateral0:           median(laterals),
		ShoulderWidthProxy: median(widths),
		CalibratedAt:       now,
		SampleCount:        len(c.samples),
		ConfMean:           confSum / float64(len(c.samples)),
		Version:            baselineVersion,
	}

	c.phase = PhaseSaving
	return b, nil
}

// MarkSaved transitions the calibrator to done after a successful atomic
// baseline write.
func (c *Calibrator) MarkSaved() { c.phase = PhaseDone }

// MarkError transitions the calibrator to error with a human-readable
// message (spec.md §4.B: "surfaces as error phase with a human-readable
// message").
func (c *Calibrator) MarkError(msg string) {
	c.phase = PhaseError
	c.errMsg = msg
}

func (c *Calibrator) ErrorMessage() string { return c.errMsg }

func meanConf(samples []acceptedSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.conf
	}
	return sum / float64(len(samples))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// lockRecord is the contents of the calibration lockfile: holder PID and
// acquisition time, used to reclaim stale locks from a dead process
// (spec.md §4.B: "stale entries whose PID does not exist are reclaimed").
type lockRecord struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireCalibrationLock claims the single-instance calibration lockfile at
// path. It reclaims a stale lock (holder PID no longer exists) rather than
// refusing. The returned release function must be called when calibration
// finishes or errors.
func AcquireCalibrationLock(path string) (release func() error, err error) {
	if existing, ok := readLockRecord(path); ok && pidAlive(existing.PID) {
		return nil, ErrCalibrationInProgress
	}

	rec := lockRecord{PID: os.Getpid(), StartedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling lock record: %w", err)
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing calibration lockfile: %w", err)
	}

	return func() error {
		err := os.Remove(path)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	}, nil
}

func readLockRecord(path string) (lockRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockRecord{}, false
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return lockRecord{}, false
	}
	return rec, true
}

// pidAlive reports whether a process with the given PID exists, using a
// signal-0 probe (no-op signal delivery used purely for the existence
// check).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// BaselinePath returns the conventional baseline file location under a
// storage root.
func BaselinePath(storageRoot string) string {
	return filepath.Join(storageRoot, "baseline.json")
}

// CalibrationLockPath returns the conventional calibration lockfile
// location under a storage root.
func CalibrationLockPath(storageRoot string) string {
	return filepath.Join(storageRoot, "calibration.lock")
}
