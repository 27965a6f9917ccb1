package posture

import "sync"

// Kalman1D is a scalar Kalman filter used to damp per-landmark jitter before
// metric extraction (spec.md §4.A mentions EMA smoothing on the derived
// channels; this filters the raw landmark coordinates one stage earlier, the
// way the teacher's tracker smooths raw capture data before deriving
// anything from it). Adapted from miface's KalmanFilter: same constant-
// position process model and smoothingFactor-to-noise-ratio mapping.
type Kalman1D struct {
	mu sync.Mutex

	x           float64
	p           float64
	q           float64
	r           float64
	initialized bool
}

// NewKalman1D creates a filter with the given smoothing factor in [0,1]:
// 0 favors maximum smoothing (slow response), 1 favors the raw measurement
// (least smoothing; the filter still smooths).
func NewKalman1D(smoothingFactor float64) *Kalman1D {
	q := 0.1
	r := 1.0 - smoothingFactor*0.9 + 0.1

	return &Kalman1D{
		p: 1.0,
		q: q,
		r: r,
	}
}

// Update folds in a new measurement and returns the filtered estimate.
func (kf *Kalman1D) Update(measurement float64) float64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	if !kf.initialized {
		kf.x = measurement
		kf.initialized = true
		return measurement
	}

	pPred := kf.p + kf.q
	k := pPred / (pPred + kf.r)
	kf.x = kf.x + k*(measurement-kf.x)
	kf.p = (1 - k) * pPred

	return kf.x
}

// Reset clears the filter state.
func (kf *Kalman1D) Reset() {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	kf.x = 0
	kf.p = 1.0
	kf.initialized = false
}

// KalmanPoint2D applies independent Kalman1D filters to a landmark's x and y
// coordinates.
type KalmanPoint2D struct {
	x, y *Kalman1D
}

// NewKalmanPoint2D creates a 2D point filter with the given smoothing factor.
func NewKalmanPoint2D(smoothingFactor float64) *KalmanPoint2D {
	return &KalmanPoint2D{
		x: NewKalman1D(smoothingFactor),
		y: NewKalman1D(smoothingFactor),
	}
}

// Update filters a new (x,y) measurement.
func (kf *KalmanPoint2D) Update(x, y float64) (fx, fy float64) {
	return kf.x.Update(x), kf.y.Update(y)
}

// Reset clears both coordinate filters.
func (kf *KalmanPoint2D) Reset() {
	kf.x.Reset()
	kf.y.Reset()
}

// LandmarkSmoother maintains one KalmanPoint2D per landmark index across
// consecutive frames, so jitter is damped per-point rather than per-metric.
// Visibility is passed through unfiltered — it is a detector confidence
// score, not a position to smooth.
type LandmarkSmoother struct {
	mu      sync.Mutex
	filters [NumLandmarks]*KalmanPoint2D
	factor  float64
}

// NewLandmarkSmoother creates a smoother with the given smoothing factor.
func NewLandmarkSmoother(smoothingFactor float64) *LandmarkSmoother {
	return &LandmarkSmoother{factor: smoothingFactor}
}

// Smooth filters every landmark in f and returns the smoothed frame. The
// input frame is left unmodified.
func (ls *LandmarkSmoother) Smooth(f Frame) Frame {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	out := f
	for i, lm := range f.Landmarks {
		filter := ls.filters[i]
		if filter == nil {
			filter = NewKalmanPoint2D(ls.factor)
			ls.filters[i] = filter
		}
		fx, fy := filter.Update(lm.X, lm.Y)
		out.Landmarks[i] = Landmark{X: fx, Y: fy, Visibility: lm.Visibility}
	}
	return out
}

// Reset clears every landmark filter.
func (ls *LandmarkSmoother) Reset() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, f := range ls.filters {
		if f != nil {
			f.Reset()
		}
	}
}
