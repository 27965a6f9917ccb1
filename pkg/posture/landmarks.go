// Package posture implements the real-time posture pipeline: landmark
// geometry and smoothing (spec.md §4.A), calibration (§4.B), condition
// windows (§4.C), the posture state machine (§4.D), and the pose loop that
// drives all of them (§4.F).
package posture

import (
	"context"
	"time"
)

// Standard 33-point body pose landmark indices (spec.md §3: "An ordered
// vector of 33 points"), matching the index layout of common pose-landmark
// estimators (BlazePose/MediaPipe Pose).
const (
	LandmarkNose = iota
	LandmarkLeftEyeInner
	LandmarkLeftEye
	LandmarkLeftEyeOuter
	LandmarkRightEyeInner
	LandmarkRightEye
	LandmarkRightEyeOuter
	LandmarkLeftEar
	LandmarkRightEar
	LandmarkMouthLeft
	LandmarkMouthRight
	LandmarkLeftShoulder
	LandmarkRightShoulder
	LandmarkLeftElbow
	LandmarkRightElbow
	LandmarkLeftWrist
	LandmarkRightWrist
	LandmarkLeftPinky
	LandmarkRightPinky
	LandmarkLeftIndex
	LandmarkRightIndex
	LandmarkLeftThumb
	LandmarkRightThumb
	LandmarkLeftHip
	LandmarkRightHip
	LandmarkLeftKnee
	LandmarkRightKnee
	LandmarkLeftAnkle
	LandmarkRightAnkle
	LandmarkLeftHeel
	LandmarkRightHeel
	LandmarkLeftFootIndex
	LandmarkRightFootIndex

	NumLandmarks
)

// Landmark is a single normalized 2D keypoint with a visibility confidence
// (spec.md §3: "normalized image coordinates in [0,1] and a visibility
// score in [0,1]").
type Landmark struct {
	X, Y       float64
	Visibility float64
}

// Frame is the landmark vector for a single captured camera frame.
// Discarded immediately after metric extraction — never retained or
// persisted (spec.md §1, §3).
type Frame struct {
	Landmarks [NumLandmarks]Landmark
	Width     int
	Height    int
}

// Estimator is the consumed, out-of-scope landmark detector (spec.md §6):
// "estimate(frame) -> Option<[33 x {x,y,visibility}]>". Implementations
// must never block on anything but the estimation itself and must return
// ok=false rather than a zero-value Frame when no subject is detected.
type Estimator interface {
	Estimate(ctx context.Context, rgb []byte, width, height int) (frame Frame, ok bool, err error)
	Close() error
}

// CameraSource is the capture backend consumed by the pose loop. Adapted
// from the teacher's CameraSource interface, narrowed to the RGB24 byte
// stream this pipeline needs (no gocv.Mat leaks outside this package, except
// through the debug preview path). Declared without a build tag so the pose
// loop and its tests compile with a fake source even without cgo.
type CameraSource interface {
	Open(deviceID, width, height, fps int) error
	Read() ([]byte, int, int, error)
	Close() error
}

// SelectPrimary resolves the "largest/closest" multi-person ambiguity left
// open by spec.md §9 ("Multi-person selection policy is unspecified beyond
// largest/closest"). Candidates are full 33-landmark frames from a single
// capture; the chosen tie-break is bounding-box area of all landmarks with
// visibility above minVisibility, with ties (within 1% area) broken by
// summed visibility.
func SelectPrimary(candidates []Frame, minVisibility float64) (Frame, bool) {
	if len(candidates) == 0 {
		return Frame{}, false
	}

	bestIdx := -1
	var bestArea, bestVisSum float64

	for i, f := range candidates {
		area, visSum, n := boundingBoxArea(f, minVisibility)
		if n == 0 {
			continue
		}
		if bestIdx == -1 {
			bestIdx, bestArea, bestVisSum = i, area, visSum
			continue
		}
		if area > bestArea*1.01 {
			bestIdx, bestArea, bestVisSum = i, area, visSum
		} else if area >= bestArea*0.99 && visSum > bestVisSum {
			bestIdx, bestArea, bestVisSum = i, area, visSum
		}
	}

	if bestIdx == -1 {
		return Frame{}, false
	}
	return candidates[bestIdx], true
}

func boundingBoxArea(f Frame, minVisibility float64) (area, visSum float64, counted int) {
	minX, minY := 1.0, 1.0
	maxX, maxY := 0.0, 0.0
	for _, lm := range f.Landmarks {
		if lm.Visibility < minVisibility {
			continue
		}
		counted++
		visSum += lm.Visibility
		if lm.X < minX {
			minX = lm.X
		}
		if lm.X > maxX {
			maxX = lm.X
		}
		if lm.Y < minY {
			minY = lm.Y
		}
		if lm.Y > maxY {
			maxY = lm.Y
		}
	}
	if counted == 0 {
		return 0, 0, 0
	}
	w := maxX - minX
	h := maxY - minY
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return w * h, visSum, counted
}

// sampleClock abstracts time.Now so tests can drive the pipeline with
// synthetic timestamps (the pose loop always supplies a monotonic `now`,
// per spec.md §5's ordering guarantees).
type sampleClock func() time.Time
