package posture

import "time"

// entry is one (ts, above) sample in a ConditionWindow.
type entry struct {
	ts    time.Time
	above bool
}

// ConditionWindow is a bounded, time-indexed rolling sequence of
// (ts, above_threshold) entries for a single posture channel (spec.md §3,
// §4.C). It is the only stateful source of sustained-condition signals
// consumed by the state machine.
type ConditionWindow struct {
	windowSec float64
	entries   []entry
}

// NewConditionWindow creates a window bounded to windowSec.
func NewConditionWindow(windowSec float64) *ConditionWindow {
	return &ConditionWindow{windowSec: windowSec}
}

// Insert appends a new sample at ts and evicts entries older than
// ts - windowSec. Timestamps must be monotonically non-decreasing across
// calls (spec.md §3 invariant).
func (w *ConditionWindow) Insert(ts time.Time, above bool) {
	w.entries = append(w.entries, entry{ts: ts, above: above})
	cutoff := ts.Add(-time.Duration(w.windowSec * float64(time.Second)))
	i := 0
	for i < len(w.entries) && w.entries[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// Clear empties the window. Called on every state transition so the
// just-triggered condition cannot immediately re-fire (spec.md §4.C).
func (w *ConditionWindow) Clear() {
	w.entries = w.entries[:0]
}

// Len returns the number of entries currently retained.
func (w *ConditionWindow) Len() int { return len(w.entries) }

// spans returns, for each entry, the time span it contributes: from its own
// timestamp to the next entry's timestamp, or to now for the last entry,
// clipped to [now-windowSec, now].
func (w *ConditionWindow) spans(now time.Time) []struct {
	above bool
	dur   time.Duration
} {
	if len(w.entries) == 0 {
		return nil
	}
	floor := now.Add(-time.Duration(w.windowSec * float64(time.Second)))

	out := make([]struct {
		above bool
		dur   time.Duration
	}, 0, len(w.entries))

	for i, e := range w.entries {
		start := e.ts
		if start.Before(floor) {
			start = floor
		}
		var end time.Time
		if i+1 < len(w.entries) {
			end = w.entries[i+1].ts
		} else {
			end = now
		}
		if end.Before(start) {
			end = start
		}
		out = append(out, struct {
			above bool
			dur   time.Duration
		}{above: e.above, dur: end.Sub(start)})
	}
	return out
}

// AboveFraction returns (Σ sample_duration_above) / windowSec, clipped to
// the window (spec.md §4.C).
func (w *ConditionWindow) AboveFraction(now time.Time) float64 {
	if w.windowSec <= 0 {
		return 0
	}
	var aboveSec float64
	for _, s := range w.spans(now) {
		if s.above {
			aboveSec += s.dur.Seconds()
		}
	}
	frac := aboveSec / w.windowSec
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return frac
}

// CumulativeAboveSec returns Σ sample_duration_above, unclipped by fraction
// normalization (spec.md §4.C).
func (w *ConditionWindow) CumulativeAboveSec(now time.Time) float64 {
	var aboveSec float64
	for _, s := range w.spans(now) {
		if s.above {
			aboveSec += s.dur.Seconds()
		}
	}
	return aboveSec
}

// MaxGapSec returns the longest contiguous run of above=false inside the
// window (spec.md §4.C).
func (w *ConditionWindow) MaxGapSec(now time.Time) float64 {
	var maxGap, current float64
	for _, s := range w.spans(now) {
		if !s.above {
			current += s.dur.Seconds()
			if current > maxGap {
				maxGap = current
			}
		} else {
			current = 0
		}
	}
	return maxGap
}
