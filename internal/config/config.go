// Package config provides the DeskCoach configuration store: compiled-in
// sensitivity presets (presets.toml, decoded with BurntSushi/toml, see
// presets.go) plus the mutable config.json document described in spec.md
// §4.J and §6.
//
// Example usage:
//
//	cfg, err := config.Load("config.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Camera device: %d\n", cfg.Camera.DeviceID)
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/deskcoach/deskcoach/internal/atomicfile"
)

// ChannelThresholds holds the effective-threshold parameters for a single
// posture channel (spec.md §3, §4.D).
type ChannelThresholds struct {
	// DeltaDeg is the angular delta added to baseline for neck/torso channels.
	DeltaDeg float64 `json:"delta_deg,omitempty"`
	// DeltaCM is the lateral-lean delta, expressed in centimeters (spec.md §4.D formula).
	DeltaCM float64 `json:"delta_cm,omitempty"`
	// WindowSec is the rolling condition-window size for this channel.
	WindowSec float64 `json:"window_sec"`
	// CumulativeMinSec is the cumulative-path trigger threshold for this channel.
	CumulativeMinSec float64 `json:"cumulative_min_sec"`
}

// Thresholds is the full sensitivity/detection parameter set (spec.md §3).
type Thresholds struct {
	Neck    ChannelThresholds `json:"neck"`
	Torso   ChannelThresholds `json:"torso"`
	Lateral ChannelThresholds `json:"lateral"`

	MajorityFraction      float64 `json:"majority_fraction"`
	GapBudgetSec          float64 `json:"gap_budget_sec"`
	HighSeverityDeltaDeg  float64 `json:"high_severity_delta_deg"`
	HighSeverityWindowSec float64 `json:"high_severity_window_sec"`
	RecoveryWindowSec     float64 `json:"recovery_window_sec"`
	DriftAlpha            float64 `json:"drift_alpha"`
	ConfidenceThreshold   float64 `json:"confidence_threshold"`
}

// CameraConfig holds webcam capture settings.
type CameraConfig struct {
	DeviceID int `json:"device_id"`
	Width    int `json:"width"`
	Height   int `json:"height"`
	FPS      int `json:"fps"`
}

// SmoothingConfig holds the per-channel metric EMA and rolling-buffer settings.
type SmoothingConfig struct {
	// Alpha is the EMA smoothing factor, configurable in [0.1, 0.5].
	Alpha float64 `json:"alpha"`
	// BufferWindowSec bounds the raw-sample rolling buffer, configurable [30,120].
	BufferWindowSec float64 `json:"buffer_window_sec"`
	// MinVisibility is the minimum per-landmark visibility to accept a sample.
	MinVisibility float64 `json:"min_visibility"`
}

// GovernorConfig holds the pose loop's adaptive-FPS and frame-skip settings (spec.md §4.F).
type GovernorConfig struct {
	SkipEnabled         bool    `json:"skip_enabled"`
	SkipConfidenceMin   float64 `json:"skip_confidence_min"`
	SkipGoodHoldSec     float64 `json:"skip_good_hold_sec"`
	FrameTimeHighMS     float64 `json:"frame_time_high_ms"`
	FrameTimeLowMS      float64 `json:"frame_time_low_ms"`
	FrameTimeLowHoldSec float64 `json:"frame_time_low_hold_sec"`
	MinFPS              int     `json:"min_fps"`
	MaxFPS              int     `json:"max_fps"`
}

// PolicyConfig holds the notification policy's gates and timers (spec.md §4.E).
type PolicyConfig struct {
	CooldownDoneSec              float64 `json:"cooldown_done_sec"`
	CooldownSnoozeSec            float64 `json:"cooldown_snooze_sec"`
	ActiveNotificationTimeoutSec float64 `json:"active_notification_timeout_sec"`
	DedupeWindowSec              float64 `json:"dedupe_window_sec"`
	HighSeverityBypassDedupe     bool    `json:"high_severity_bypass_dedupe"`
	DismissBackoffDurationSec    float64 `json:"dismiss_backoff_duration_sec"`
	DismissBackoffDeltaDeg       float64 `json:"dismiss_backoff_delta_deg"`
	DismissBackoffDeltaCM        float64 `json:"dismiss_backoff_delta_cm"`
	RespectDND                   bool    `json:"respect_dnd"`
	DNDQueueExpirySec            float64 `json:"dnd_queue_expiry_sec"`
}

// Config is the complete, mutable DeskCoach configuration document
// (config.json). StorageRoot is supplied out-of-band (flag/env) and is
// never persisted as part of this document.
type Config struct {
	StorageRoot string `json:"-"`

	Preset     PresetName      `json:"preset"`
	Camera     CameraConfig    `json:"camera"`
	Smoothing  SmoothingConfig `json:"smoothing"`
	Thresholds Thresholds      `json:"thresholds"`
	Policy     PolicyConfig    `json:"policy"`
	Governor   GovernorConfig  `json:"governor"`
}

// Default returns the default configuration: Standard preset thresholds,
// a modest camera profile, and the policy timers from spec.md §4.E.
func Default() *Config {
	presets := MustLoadPresets()
	return &Config{
		Preset: PresetStandard,
		Camera: CameraConfig{
			DeviceID: 0,
			Width:    424,
			Height:   240,
			FPS:      6,
		},
		Smoothing: SmoothingConfig{
			Alpha:           0.3,
			BufferWindowSec: 60,
			MinVisibility:   0.5,
		},
		Thresholds: presets[PresetStandard],
		Policy: PolicyConfig{
			CooldownDoneSec:              1800,
			CooldownSnoozeSec:            900,
			ActiveNotificationTimeoutSec: 10,
			DedupeWindowSec:              1200,
			HighSeverityBypassDedupe:     true,
			DismissBackoffDurationSec:    3600,
			DismissBackoffDeltaDeg:       5,
			DismissBackoffDeltaCM:        1,
			RespectDND:                   true,
			DNDQueueExpirySec:            2700,
		},
		Governor: GovernorConfig{
			SkipEnabled:         true,
			SkipConfidenceMin:   0.75,
			SkipGoodHoldSec:     20,
			FrameTimeHighMS:     120,
			FrameTimeLowMS:      84,
			FrameTimeLowHoldSec: 120,
			MinFPS:              4,
			MaxFPS:              8,
		},
	}
}

// ApplyPreset overwrites Thresholds with the named built-in preset's values.
func (c *Config) ApplyPreset(name PresetName) error {
	presets := MustLoadPresets()
	t, ok := presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q", name)
	}
	c.Preset = name
	c.Thresholds = t
	return nil
}

// Load reads and parses config.json. If the file does not exist, the
// default configuration is returned. A parse error falls back to defaults
// (spec.md §7: "Config parse error / Startup / Fall back to defaults, log;
// continue") rather than failing startup.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	parsed := Default()
	if err := json.Unmarshal(data, parsed); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parsed.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config: %w", err)
	}

	return parsed, nil
}

// Save writes cfg to path atomically (write temp + rename), as indented
// JSON in the Config struct's field order (keys are not sorted). That order
// is fixed, so repeated saves of an unchanged Config are byte-identical.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')
	return atomicfile.Write(path, data, 0o644)
}

// Validate checks the configuration for invalid values (spec.md §4.J:
// "FPS 4-15, α 0.1-0.5, majority 0.5-0.9, etc.").
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 {
		return fmt.Errorf("camera width must be positive, got %d", c.Camera.Width)
	}
	if c.Camera.Height <= 0 {
		return fmt.Errorf("camera height must be positive, got %d", c.Camera.Height)
	}
	if c.Camera.FPS < 4 || c.Camera.FPS > 15 {
		return fmt.Errorf("camera FPS must be between 4 and 15, got %d", c.Camera.FPS)
	}
	if c.Smoothing.Alpha < 0.1 || c.Smoothing.Alpha > 0.5 {
		return fmt.Errorf("smoothing alpha must be between 0.1 and 0.5, got %f", c.Smoothing.Alpha)
	}
	if c.Smoothing.BufferWindowSec < 30 || c.Smoothing.BufferWindowSec > 120 {
		return fmt.Errorf("smoothing buffer window must be between 30 and 120 seconds, got %f", c.Smoothing.BufferWindowSec)
	}
	if c.Thresholds.MajorityFraction < 0.5 || c.Thresholds.MajorityFraction > 0.9 {
		return fmt.Errorf("majority fraction must be between 0.5 and 0.9, got %f", c.Thresholds.MajorityFraction)
	}
	if c.Thresholds.ConfidenceThreshold < 0 || c.Thresholds.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be between 0 and 1, got %f", c.Thresholds.ConfidenceThreshold)
	}
	if c.Thresholds.DriftAlpha < 0 || c.Thresholds.DriftAlpha > 1 {
		return fmt.Errorf("drift alpha must be between 0 and 1, got %f", c.Thresholds.DriftAlpha)
	}
	if c.Governor.MinFPS < 1 || c.Governor.MaxFPS < c.Governor.MinFPS {
		return fmt.Errorf("invalid governor FPS bounds: min=%d max=%d", c.Governor.MinFPS, c.Governor.MaxFPS)
	}
	if c.Policy.DedupeWindowSec < 0 {
		return fmt.Errorf("dedupe window must be non-negative, got %f", c.Policy.DedupeWindowSec)
	}
	return nil
}
