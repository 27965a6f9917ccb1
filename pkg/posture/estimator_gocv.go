//go:build cgo
// +build cgo

package posture

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ONNXEstimator implements Estimator by running a pose-landmark ONNX model
// through OpenCV's DNN module. Grounded on the teacher's MediaPipeProcessor
// shape (config struct, mutex-guarded handle, Process taking a raw frame),
// adapted to load through gocv.ReadNetFromONNX instead of linking the
// teacher's bespoke C++ MediaPipe bridge — that bridge needs a cpp_core
// Bazel artifact this module does not build, and the estimator is an
// out-of-scope black box here (spec.md §1, §6): any 33-landmark producer
// satisfies the contract.
type ONNXEstimator struct {
	mu     sync.Mutex
	net    gocv.Net
	closed bool

	inputSize     int
	minConfidence float32
}

// ONNXEstimatorConfig configures model loading.
type ONNXEstimatorConfig struct {
	ModelPath     string
	InputSize     int     // square input side, e.g. 256
	MinConfidence float32 // a frame with no landmark at or above this visibility is reported as ok=false
}

// DefaultONNXEstimatorConfig returns a reasonable default for a
// BlazePose-style single-person pose model.
func DefaultONNXEstimatorConfig(modelPath string) ONNXEstimatorConfig {
	return ONNXEstimatorConfig{
		ModelPath:     modelPath,
		InputSize:     256,
		MinConfidence: 0.1,
	}
}

// NewONNXEstimator loads the model at cfg.ModelPath.
func NewONNXEstimator(cfg ONNXEstimatorConfig) (*ONNXEstimator, error) {
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("loading pose model from %s: empty network", cfg.ModelPath)
	}
	return &ONNXEstimator{
		net:           net,
		inputSize:     cfg.InputSize,
		minConfidence: cfg.MinConfidence,
	}, nil
}

// Estimate runs the pose model on a single RGB24 frame and returns the 33
// normalized landmarks. ctx is checked once, before preprocessing;
// preprocessing and the model call itself are not interruptible.
func (e *ONNXEstimator) Estimate(ctx context.Context, rgb []byte, width, height int) (Frame, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Frame{}, false, fmt.Errorf("estimator is closed")
	}
	select {
	case <-ctx.Done():
		return Frame{}, false, ctx.Err()
	default:
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, rgb)
	if err != nil {
		return Frame{}, false, fmt.Errorf("wrapping frame bytes: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(e.inputSize, e.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	defer output.Close()

	return decodePoseOutput(output, e.minConfidence)
}

// Close releases the underlying network.
func (e *ONNXEstimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.net.Close()
}

// decodePoseOutput reshapes a [1, NumLandmarks, 3] tensor (x, y, visibility
// in normalized [0,1] coordinates) into a Frame. Returns ok=false if the
// output holds fewer than NumLandmarks*3 values (a larger output is read
// from its start) or if no landmark's visibility reaches minConfidence.
func decodePoseOutput(output gocv.Mat, minConfidence float32) (Frame, bool, error) {
	total := output.Total()
	if total < NumLandmarks*3 {
		return Frame{}, false, nil
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return Frame{}, false, fmt.Errorf("reading pose tensor: %w", err)
	}

	var f Frame
	var visibleCount int
	for i := 0; i < NumLandmarks; i++ {
		base := i * 3
		vis := data[base+2]
		f.Landmarks[i] = Landmark{X: float64(data[base]), Y: float64(data[base+1]), Visibility: float64(vis)}
		if vis >= minConfidence {
			visibleCount++
		}
	}
	if visibleCount == 0 {
		return Frame{}, false, nil
	}
	return f, true, nil
}
