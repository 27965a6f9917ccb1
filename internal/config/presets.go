package config

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"
)

//go:embed presets.toml
var presetsTOML []byte

// PresetName identifies one of the three built-in sensitivity presets.
type PresetName string

const (
	PresetSensitive    PresetName = "sensitive"
	PresetStandard     PresetName = "standard"
	PresetConservative PresetName = "conservative"
)

// Valid reports whether name is one of the three recognized presets.
func (n PresetName) Valid() bool {
	switch n {
	case PresetSensitive, PresetStandard, PresetConservative:
		return true
	default:
		return false
	}
}

// presetRow mirrors one [preset] table in presets.toml.
type presetRow struct {
	DeltaNeckDeg            float64 `toml:"delta_neck_deg"`
	DeltaTorsoDeg           float64 `toml:"delta_torso_deg"`
	DeltaLateralCM          float64 `toml:"delta_lateral_cm"`
	WindowSec               float64 `toml:"window_sec"`
	LateralWindowSec        float64 `toml:"lateral_window_sec"`
	MajorityFraction        float64 `toml:"majority_fraction"`
	GapBudgetSec            float64 `toml:"gap_budget_sec"`
	CumulativeMinSec        float64 `toml:"cumulative_min_sec"`
	LateralCumulativeMinSec float64 `toml:"lateral_cumulative_min_sec"`
	HighSeverityDeltaDeg    float64 `toml:"high_severity_delta_deg"`
	HighSeverityWindowSec   float64 `toml:"high_severity_window_sec"`
	RecoveryWindowSec       float64 `toml:"recovery_window_sec"`
	ConfidenceThreshold     float64 `toml:"confidence_threshold"`
	DriftAlpha              float64 `toml:"drift_alpha"`
}

type presetsDoc struct {
	Sensitive    presetRow `toml:"sensitive"`
	Standard     presetRow `toml:"standard"`
	Conservative presetRow `toml:"conservative"`
}

// LoadPresets decodes the embedded preset table. It only fails if the
// embedded asset itself is malformed, which would be a build-time defect.
func LoadPresets() (map[PresetName]Thresholds, error) {
	var doc presetsDoc
	if _, err := toml.Decode(string(presetsTOML), &doc); err != nil {
		return nil, fmt.Errorf("decoding embedded presets: %w", err)
	}

	return map[PresetName]Thresholds{
		PresetSensitive:    thresholdsFromRow(doc.Sensitive),
		PresetStandard:     thresholdsFromRow(doc.Standard),
		PresetConservative: thresholdsFromRow(doc.Conservative),
	}, nil
}

// MustLoadPresets is LoadPresets, panicking on error. Used at package init
// for the default table; a decode failure here means presets.toml itself is
// broken, which only a code change could cause.
func MustLoadPresets() map[PresetName]Thresholds {
	p, err := LoadPresets()
	if err != nil {
		panic(err)
	}
	return p
}

func thresholdsFromRow(r presetRow) Thresholds {
	return Thresholds{
		Neck: ChannelThresholds{
			DeltaDeg:         r.DeltaNeckDeg,
			WindowSec:        r.WindowSec,
			CumulativeMinSec: r.CumulativeMinSec,
		},
		Torso: ChannelThresholds{
			DeltaDeg:         r.DeltaTorsoDeg,
			WindowSec:        r.WindowSec,
			CumulativeMinSec: r.CumulativeMinSec,
		},
		Lateral: ChannelThresholds{
			DeltaCM:          r.DeltaLateralCM,
			WindowSec:        r.LateralWindowSec,
			CumulativeMinSec: r.LateralCumulativeMinSec,
		},
		MajorityFraction:      r.MajorityFraction,
		GapBudgetSec:          r.GapBudgetSec,
		HighSeverityDeltaDeg:  r.HighSeverityDeltaDeg,
		HighSeverityWindowSec: r.HighSeverityWindowSec,
		RecoveryWindowSec:     r.RecoveryWindowSec,
		ConfidenceThreshold:   r.ConfidenceThreshold,
		DriftAlpha:            r.DriftAlpha,
	}
}
