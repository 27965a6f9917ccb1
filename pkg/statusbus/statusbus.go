// Package statusbus publishes the live-status and calibration-progress
// snapshots the out-of-process UI reads (spec.md §4.G). Every publish is an
// atomic write-then-rename so a reader never observes a partial file, and
// publishers swallow I/O errors rather than ever aborting their producer
// (spec.md §7: "Status-file write error / Background / Log once per
// window; keep running").
package statusbus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deskcoach/deskcoach/internal/atomicfile"
)

// StatusSnapshot is the ≤5KB live-status document (spec.md §3, §4.G):
// current state, time-in-state, confidence, effective thresholds,
// per-channel window stats, detection path, active preset, and compact
// policy timers.
type StatusSnapshot struct {
	Ts              float64            `json:"ts"`
	State           string             `json:"state"`
	TimeInStateSec  float64            `json:"time_in_state_sec"`
	Confidence      float64            `json:"confidence"`
	Preset          string             `json:"preset"`
	DetectionPath   string             `json:"detection_path,omitempty"`
	CurrentFPS      int                `json:"current_fps"`
	Channels        map[string]Channel `json:"channels"`
	Policy          PolicyTimers       `json:"policy"`
}

// Channel is one posture channel's window statistics for the live-status
// snapshot (spec.md §4.C).
type Channel struct {
	AboveFraction      float64 `json:"above_fraction"`
	CumulativeAboveSec float64 `json:"cumulative_above_sec"`
	MaxGapSec          float64 `json:"max_gap_sec"`
	EffectiveThreshold float64 `json:"effective_threshold"`
}

// PolicyTimers is the compact subset of policy state worth surfacing to
// the UI (spec.md §4.E's read-only status view).
type PolicyTimers struct {
	CooldownRemainingSec float64 `json:"cooldown_remaining_sec"`
	SnoozeRemainingSec   float64 `json:"snooze_remaining_sec"`
	BackoffRemainingSec  float64 `json:"backoff_remaining_sec"`
	QueueDepth           int     `json:"queue_depth"`
}

// CalibrationSnapshot mirrors posture.CalibrationProgress for the JSON
// wire format (kept decoupled from the posture package so statusbus has no
// import dependency on it).
type CalibrationSnapshot struct {
	Phase           string   `json:"phase"`
	Progress        float64  `json:"progress"`
	ElapsedSec      float64  `json:"elapsed_sec"`
	SamplesCaptured int      `json:"samples_captured"`
	ConfMean        float64  `json:"conf_mean"`
	EtaSec          *float64 `json:"eta_sec,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Publisher writes status.json at ≤1Hz and calibration_status.json at
// ≤4Hz, each via its own best-effort atomic rename. A failed write is
// logged once per backoff window and never propagated — the pipeline that
// feeds Publish must keep running regardless (spec.md §7).
type Publisher struct {
	statusPath      string
	calibrationPath string

	mu             sync.Mutex
	lastStatusErr  time.Time
	lastCalibErr   time.Time
}

const publishErrorLogInterval = 30 * time.Second

// New creates a Publisher writing under storageRoot.
func New(storageRoot string) *Publisher {
	return &Publisher{
		statusPath:      filepath.Join(storageRoot, "status.json"),
		calibrationPath: filepath.Join(storageRoot, "calibration_status.json"),
	}
}

// PublishStatus atomically rewrites status.json.
func (p *Publisher) PublishStatus(snap StatusSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("statusbus: marshal status snapshot: %v", err)
		return
	}
	if err := atomicfile.Write(p.statusPath, data, 0o644); err != nil {
		p.logThrottled(&p.lastStatusErr, "status.json", err)
	}
}

// PublishCalibration atomically rewrites calibration_status.json.
func (p *Publisher) PublishCalibration(snap CalibrationSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("statusbus: marshal calibration snapshot: %v", err)
		return
	}
	if err := atomicfile.Write(p.calibrationPath, data, 0o644); err != nil {
		p.logThrottled(&p.lastCalibErr, "calibration_status.json", err)
	}
}

func (p *Publisher) logThrottled(last *time.Time, name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if now.Sub(*last) < publishErrorLogInterval {
		return
	}
	*last = now
	log.Printf("statusbus: writing %s: %v", name, err)
}

// StatusPath returns the path status.json is published to.
func (p *Publisher) StatusPath() string { return p.statusPath }

// CalibrationPath returns the path calibration_status.json is published to.
func (p *Publisher) CalibrationPath() string { return p.calibrationPath }

// ReadStatus reads and parses status.json, reporting staleness against the
// spec's >3s freshness bound (spec.md §4.G). Consumers must treat a
// stale or absent file as "unknown" rather than crash.
func ReadStatus(path string, now time.Time) (StatusSnapshot, bool, error) {
	var snap StatusSnapshot
	fresh, err := readSnapshot(path, &snap, now, 3*time.Second)
	return snap, fresh, err
}

// ReadCalibration reads and parses calibration_status.json, applying the
// spec's >1s freshness bound.
func ReadCalibration(path string, now time.Time) (CalibrationSnapshot, bool, error) {
	var snap CalibrationSnapshot
	fresh, err := readSnapshot(path, &snap, now, time.Second)
	return snap, fresh, err
}

func readSnapshot(path string, out interface{}, now time.Time, staleAfter time.Duration) (fresh bool, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return false, statErr
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return false, readErr
	}
	if unmarshalErr := json.Unmarshal(data, out); unmarshalErr != nil {
		return false, fmt.Errorf("parsing snapshot: %w", unmarshalErr)
	}

	age := now.Sub(info.ModTime())
	return age <= staleAfter, nil
}
