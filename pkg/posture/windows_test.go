package posture

import (
	"math"
	"testing"
	"time"
)

func TestConditionWindow_EvictsOldEntries(t *testing.T) {
	w := NewConditionWindow(10)
	base := time.Unix(1000, 0)

	w.Insert(base, true)
	w.Insert(base.Add(5*time.Second), false)
	w.Insert(base.Add(15*time.Second), true)

	if w.Len() != 2 {
		t.Fatalf("expected 2 retained entries, got %d", w.Len())
	}
}

func TestConditionWindow_AboveFractionAllAbove(t *testing.T) {
	w := NewConditionWindow(10)
	base := time.Unix(1000, 0)
	w.Insert(base, true)

	frac := w.AboveFraction(base.Add(10 * time.Second))
	if math.Abs(frac-1.0) > 1e-9 {
		t.Errorf("expected fraction 1.0 for continuously-above window, got %f", frac)
	}
}

func TestConditionWindow_AboveFractionHalf(t *testing.T) {
	w := NewConditionWindow(10)
	base := time.Unix(1000, 0)
	w.Insert(base, true)
	w.Insert(base.Add(5*time.Second), false)

	frac := w.AboveFraction(base.Add(10 * time.Second))
	if math.Abs(frac-0.5) > 1e-9 {
		t.Errorf("expected fraction 0.5, got %f", frac)
	}
}

func TestConditionWindow_CumulativeUnclipped(t *testing.T) {
	w := NewConditionWindow(10)
	base := time.Unix(1000, 0)
	w.Insert(base, true)

	cum := w.CumulativeAboveSec(base.Add(10 * time.Second))
	if math.Abs(cum-10) > 1e-9 {
		t.Errorf("expected cumulative 10s, got %f", cum)
	}
}

func TestConditionWindow_MaxGap(t *testing.T) {
	w := NewConditionWindow(30)
	base := time.Unix(1000, 0)

	// above 0-2, below 2-2+2=4, above 4-6, below(gap) 6-6+4=10
	w.Insert(base, true)
	w.Insert(base.Add(2*time.Second), false)
	w.Insert(base.Add(4*time.Second), true)
	w.Insert(base.Add(6*time.Second), false)

	gap := w.MaxGapSec(base.Add(10 * time.Second))
	if math.Abs(gap-4) > 1e-9 {
		t.Errorf("expected max gap 4s, got %f", gap)
	}
}

func TestConditionWindow_AboveFractionBoundedToOne(t *testing.T) {
	w := NewConditionWindow(5)
	base := time.Unix(1000, 0)
	w.Insert(base, true)

	// Query far beyond the window; clipping must keep fraction <= 1.
	frac := w.AboveFraction(base.Add(100 * time.Second))
	if frac > 1 {
		t.Errorf("expected fraction clipped to <=1, got %f", frac)
	}
}

func TestConditionWindow_Clear(t *testing.T) {
	w := NewConditionWindow(10)
	base := time.Unix(1000, 0)
	w.Insert(base, true)
	w.Clear()

	if w.Len() != 0 {
		t.Errorf("expected 0 entries after clear, got %d", w.Len())
	}
	if frac := w.AboveFraction(base); frac != 0 {
		t.Errorf("expected fraction 0 on an empty window, got %f", frac)
	}
}

func TestConditionWindow_EmptyWindowStatsAreZero(t *testing.T) {
	w := NewConditionWindow(10)
	now := time.Unix(1000, 0)

	if w.AboveFraction(now) != 0 {
		t.Error("expected 0 above_fraction for empty window")
	}
	if w.CumulativeAboveSec(now) != 0 {
		t.Error("expected 0 cumulative_above_sec for empty window")
	}
	if w.MaxGapSec(now) != 0 {
		t.Error("expected 0 max_gap_sec for empty window")
	}
}
