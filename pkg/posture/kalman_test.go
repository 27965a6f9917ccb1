package posture

import (
	"math"
	"testing"
)

func TestNewKalman1D(t *testing.T) {
	kf := NewKalman1D(0.5)
	if kf == nil {
		t.Fatal("expected non-nil filter")
	}
}

func TestKalman1DUpdate(t *testing.T) {
	kf := NewKalman1D(0.5)

	result := kf.Update(10.0)
	if result != 10.0 {
		t.Errorf("first update should return measurement, got %f", result)
	}

	result = kf.Update(11.0)
	if result <= 10.0 || result >= 11.0 {
		t.Errorf("expected smoothed value between 10 and 11, got %f", result)
	}
}

func TestKalman1DSmoothing(t *testing.T) {
	kf := NewKalman1D(0.3)

	measurements := []float64{50, 52, 48, 51, 49, 50, 53, 47, 51, 49}

	var results []float64
	for _, m := range measurements {
		results = append(results, kf.Update(m))
	}

	inputVar := variance(measurements)
	outputVar := variance(results)

	if outputVar >= inputVar {
		t.Errorf("expected output variance (%f) < input variance (%f)", outputVar, inputVar)
	}
}

func TestKalman1DReset(t *testing.T) {
	kf := NewKalman1D(0.5)
	kf.Update(100.0)
	kf.Update(100.0)

	kf.Reset()

	result := kf.Update(50.0)
	if result != 50.0 {
		t.Errorf("after reset, expected 50.0, got %f", result)
	}
}

func TestKalmanPoint2D(t *testing.T) {
	kf := NewKalmanPoint2D(0.5)

	fx, fy := kf.Update(1, 2)
	if fx != 1 || fy != 2 {
		t.Errorf("first update should return input point, got (%f,%f)", fx, fy)
	}

	fx2, _ := kf.Update(2, 3)
	if fx2 <= 1 || fx2 >= 2 {
		t.Errorf("expected x between 1 and 2, got %f", fx2)
	}
}

func TestLandmarkSmoother(t *testing.T) {
	smoother := NewLandmarkSmoother(0.5)

	var f Frame
	f.Landmarks[LandmarkNose] = Landmark{X: 1, Y: 1, Visibility: 0.9}
	f.Landmarks[LandmarkLeftShoulder] = Landmark{X: 2, Y: 2, Visibility: 0.8}

	result := smoother.Smooth(f)

	if result.Landmarks[LandmarkNose].X != 1 {
		t.Errorf("expected first-frame X=1, got %f", result.Landmarks[LandmarkNose].X)
	}
	if result.Landmarks[LandmarkNose].Visibility != 0.9 {
		t.Errorf("expected visibility preserved at 0.9, got %f", result.Landmarks[LandmarkNose].Visibility)
	}
}

func TestLandmarkSmootherReset(t *testing.T) {
	smoother := NewLandmarkSmoother(0.5)

	var f Frame
	f.Landmarks[LandmarkNose] = Landmark{X: 100, Y: 100, Visibility: 1.0}

	smoother.Smooth(f)
	smoother.Smooth(f)
	smoother.Reset()

	var f2 Frame
	f2.Landmarks[LandmarkNose] = Landmark{X: 50, Y: 50, Visibility: 1.0}
	result := smoother.Smooth(f2)

	if result.Landmarks[LandmarkNose].X != 50 {
		t.Errorf("after reset, expected X=50, got %f", result.Landmarks[LandmarkNose].X)
	}
}

func TestLandmarkSmootherDoesNotMutateInput(t *testing.T) {
	smoother := NewLandmarkSmoother(0.5)

	var f Frame
	f.Landmarks[LandmarkNose] = Landmark{X: 1, Y: 1, Visibility: 1.0}
	smoother.Smooth(f)
	result := smoother.Smooth(f)

	if f.Landmarks[LandmarkNose].X != 1 {
		t.Error("expected Smooth to leave the input frame unmodified")
	}
	_ = result
}

func variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}

	var sum float64
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))

	var sumSq float64
	for _, v := range data {
		diff := v - mean
		sumSq += diff * diff
	}

	return sumSq / float64(len(data))
}

func TestKalman1DSmoothingFactors(t *testing.T) {
	tests := []struct {
		factor float64
		desc   string
	}{
		{0.0, "maximum smoothing"},
		{0.5, "medium smoothing"},
		{1.0, "least smoothing"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			kf := NewKalman1D(tt.factor)

			kf.Update(0)

			var result float64
			for i := 0; i < 10; i++ {
				result = kf.Update(100)
			}

			if tt.factor >= 0.9 && math.Abs(result-100) > 10 {
				t.Errorf("high smoothing factor should track quickly, got %f", result)
			}
		})
	}
}
