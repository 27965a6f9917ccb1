package posture

import (
	"math"
	"testing"
	"time"
)

func uprightFrame() Frame {
	var f Frame
	f.Landmarks[LandmarkLeftShoulder] = Landmark{X: 0.45, Y: 0.40, Visibility: 0.9}
	f.Landmarks[LandmarkRightShoulder] = Landmark{X: 0.55, Y: 0.40, Visibility: 0.9}
	f.Landmarks[LandmarkLeftHip] = Landmark{X: 0.46, Y: 0.70, Visibility: 0.9}
	f.Landmarks[LandmarkRightHip] = Landmark{X: 0.54, Y: 0.70, Visibility: 0.9}
	f.Landmarks[LandmarkLeftEar] = Landmark{X: 0.49, Y: 0.20, Visibility: 0.9}
	f.Landmarks[LandmarkRightEar] = Landmark{X: 0.51, Y: 0.20, Visibility: 0.9}
	return f
}

func TestExtractMetrics_UprightFrameNearZeroAngles(t *testing.T) {
	f := uprightFrame()
	s, ok := ExtractMetrics(f, time.Unix(0, 0), 0.5)
	if !ok {
		t.Fatal("expected a sample for a fully visible upright frame")
	}
	if s.NeckDeg > 5 {
		t.Errorf("expected near-zero neck angle for upright posture, got %f", s.NeckDeg)
	}
	if s.TorsoDeg > 5 {
		t.Errorf("expected near-zero torso angle for upright posture, got %f", s.TorsoDeg)
	}
	if s.Conf != 0.9 {
		t.Errorf("expected confidence 0.9, got %f", s.Conf)
	}
}

func TestExtractMetrics_ForwardHeadIncreasesNeckAngle(t *testing.T) {
	f := uprightFrame()
	// Push the ear forward/down relative to the shoulders.
	f.Landmarks[LandmarkLeftEar] = Landmark{X: 0.60, Y: 0.32, Visibility: 0.9}
	f.Landmarks[LandmarkRightEar] = Landmark{X: 0.62, Y: 0.32, Visibility: 0.9}

	s, ok := ExtractMetrics(f, time.Unix(0, 0), 0.5)
	if !ok {
		t.Fatal("expected a sample")
	}
	if s.NeckDeg < 20 {
		t.Errorf("expected a large neck flexion angle, got %f", s.NeckDeg)
	}
}

func TestExtractMetrics_LateralLeanFromShoulderHeightDelta(t *testing.T) {
	f := uprightFrame()
	f.Landmarks[LandmarkLeftShoulder] = Landmark{X: 0.45, Y: 0.35, Visibility: 0.9}
	f.Landmarks[LandmarkRightShoulder] = Landmark{X: 0.55, Y: 0.45, Visibility: 0.9}

	s, ok := ExtractMetrics(f, time.Unix(0, 0), 0.5)
	if !ok {
		t.Fatal("expected a sample")
	}
	if s.Lateral <= 0 {
		t.Errorf("expected positive lateral lean, got %f", s.Lateral)
	}
}

func TestExtractMetrics_InsufficientVisibilityReturnsNoSample(t *testing.T) {
	f := uprightFrame()
	f.Landmarks[LandmarkLeftShoulder] = Landmark{X: 0.45, Y: 0.40, Visibility: 0.1}
	f.Landmarks[LandmarkRightShoulder] = Landmark{X: 0.55, Y: 0.40, Visibility: 0.1}

	_, ok := ExtractMetrics(f, time.Unix(0, 0), 0.5)
	if ok {
		t.Error("expected no sample when both shoulders fail the visibility threshold")
	}
}

func TestExtractMetrics_SingleSideFallback(t *testing.T) {
	f := uprightFrame()
	f.Landmarks[LandmarkLeftShoulder] = Landmark{X: 0.45, Y: 0.40, Visibility: 0.1}

	s, ok := ExtractMetrics(f, time.Unix(0, 0), 0.5)
	if !ok {
		t.Fatal("expected a sample falling back to the single visible shoulder")
	}
	if s.NeckDeg < 0 {
		t.Errorf("unexpected negative neck angle: %f", s.NeckDeg)
	}
}

func TestAngleFromVertical(t *testing.T) {
	cases := []struct {
		dx, dy, want float64
	}{
		{0, -1, 0},
		{1, 0, 90},
		{0, 1, 180},
		{-1, 0, 90},
	}
	for _, c := range cases {
		got := angleFromVertical(c.dx, c.dy)
		if math.Abs(got-c.want) > 1e-6 {
			t.Errorf("angleFromVertical(%f,%f) = %f, want %f", c.dx, c.dy, got, c.want)
		}
	}
}

func TestAngleFromVertical_ZeroVector(t *testing.T) {
	if got := angleFromVertical(0, 0); got != 0 {
		t.Errorf("expected 0 for degenerate vector, got %f", got)
	}
}

func TestEMA_FirstSampleInitializes(t *testing.T) {
	e := NewEMA(0.3)
	got := e.Update(10)
	if got != 10 {
		t.Errorf("expected first update to initialize to raw value, got %f", got)
	}
}

func TestEMA_ConvergesTowardConstantInput(t *testing.T) {
	e := NewEMA(0.3)
	e.Update(0)
	var last float64
	for i := 0; i < 50; i++ {
		last = e.Update(100)
	}
	if math.Abs(last-100) > 0.01 {
		t.Errorf("expected EMA to converge near 100, got %f", last)
	}
}

func TestEMA_Reset(t *testing.T) {
	e := NewEMA(0.3)
	e.Update(50)
	e.Reset()
	got := e.Update(10)
	if got != 10 {
		t.Errorf("expected reset EMA to reinitialize on next update, got %f", got)
	}
}

func TestChannelSmoother_PassesConfThrough(t *testing.T) {
	s := NewChannelSmoother(0.3)
	raw := MetricSample{NeckDeg: 10, TorsoDeg: 5, Lateral: 0.1, Conf: 0.82}
	smoothed := s.Smooth(raw)
	if smoothed.Conf != 0.82 {
		t.Errorf("expected confidence to pass through unsmoothed, got %f", smoothed.Conf)
	}
}

func TestRollingBuffer_EvictsOldSamples(t *testing.T) {
	b := NewRollingBuffer(10)
	base := time.Unix(1000, 0)

	b.Append(MetricSample{Ts: base})
	b.Append(MetricSample{Ts: base.Add(5 * time.Second)})
	b.Append(MetricSample{Ts: base.Add(15 * time.Second)})

	if b.Len() != 2 {
		t.Fatalf("expected 2 retained samples after eviction, got %d", b.Len())
	}
	samples := b.Samples()
	if samples[0].Ts != base.Add(5*time.Second) {
		t.Errorf("expected oldest retained sample at +5s, got %v", samples[0].Ts)
	}
}

func TestRollingBuffer_SamplesReturnsCopy(t *testing.T) {
	b := NewRollingBuffer(60)
	b.Append(MetricSample{Ts: time.Unix(0, 0), NeckDeg: 1})
	out := b.Samples()
	out[0].NeckDeg = 999
	if b.samples[0].NeckDeg == 999 {
		t.Error("expected Samples() to return a copy, not a reference to internal storage")
	}
}

func TestShoulderWidthProxy(t *testing.T) {
	f := uprightFrame()
	width, ok := shoulderWidthProxy(f, 0.5)
	if !ok {
		t.Fatal("expected shoulder width proxy to be available")
	}
	if math.Abs(width-0.10) > 1e-9 {
		t.Errorf("expected width 0.10, got %f", width)
	}
}
