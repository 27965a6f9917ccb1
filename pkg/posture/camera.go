//go:build cgo
// +build cgo

package posture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

const fourccMJPEG = 0x47504A4D

// OpenCVCamera implements CameraSource using OpenCV via GoCV: V4L2 backend,
// MJPEG FourCC, BGR->RGB conversion, optional mirror flip. Adapted from
// the teacher's camera_gocv.go.
type OpenCVCamera struct {
	mu sync.Mutex

	deviceID int
	width    int
	height   int
	fps      int

	mirror bool

	webcam *gocv.VideoCapture
	opened bool
}

// NewOpenCVCamera creates a camera source. mirror=true flips the image
// horizontally (DeskCoach always previews mirrored, per a natural
// "looking in a mirror" posture-feedback convention).
func NewOpenCVCamera(mirror bool) *OpenCVCamera {
	return &OpenCVCamera{mirror: mirror}
}

// Open initializes the camera with the given configuration.
func (c *OpenCVCamera) Open(deviceID, width, height, fps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return fmt.Errorf("camera already opened")
	}

	webcam, err := gocv.OpenVideoCaptureWithAPI(deviceID, gocv.VideoCaptureV4L2)
	if err != nil {
		return fmt.Errorf("failed to open camera device %d: %w", deviceID, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return fmt.Errorf("camera device %d not found or unavailable", deviceID)
	}

	webcam.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)

	if width > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		webcam.Set(gocv.VideoCaptureFPS, float64(fps))
	}

	c.deviceID = deviceID
	c.width = int(webcam.Get(gocv.VideoCaptureFrameWidth))
	c.height = int(webcam.Get(gocv.VideoCaptureFrameHeight))
	c.fps = int(webcam.Get(gocv.VideoCaptureFPS))
	c.webcam = webcam
	c.opened = true

	warmup := gocv.NewMat()
	c.webcam.Read(&warmup)
	warmup.Close()

	return nil
}

// Read captures a single frame as RGB24 bytes.
func (c *OpenCVCamera) Read() ([]byte, int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil, 0, 0, fmt.Errorf("camera not opened")
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := c.webcam.Read(&mat); !ok {
		return nil, 0, 0, fmt.Errorf("failed to read frame from camera")
	}
	if mat.Empty() {
		return nil, 0, 0, fmt.Errorf("captured frame is empty")
	}

	if c.mirror {
		gocv.Flip(mat, &mat, 1) //nolint:errcheck
	}

	rgbMat := gocv.NewMat()
	defer rgbMat.Close()
	gocv.CvtColor(mat, &rgbMat, gocv.ColorBGRToRGB) //nolint:errcheck

	return rgbMat.ToBytes(), rgbMat.Cols(), rgbMat.Rows(), nil
}

// ReadMat captures a frame as a gocv.Mat for the debug preview window. The
// returned Mat must be closed by the caller.
func (c *OpenCVCamera) ReadMat() (gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return gocv.NewMat(), fmt.Errorf("camera not opened")
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := c.webcam.Read(&mat); !ok {
		return gocv.NewMat(), fmt.Errorf("failed to read frame from camera")
	}
	if mat.Empty() {
		return gocv.NewMat(), fmt.Errorf("captured frame is empty")
	}

	result := mat.Clone()
	if c.mirror {
		gocv.Flip(result, &result, 1) //nolint:errcheck
	}
	return result, nil
}

// Close releases camera resources.
func (c *OpenCVCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil
	}
	if c.webcam != nil {
		if err := c.webcam.Close(); err != nil {
			c.opened = false
			return fmt.Errorf("closing webcam: %w", err)
		}
	}
	c.opened = false
	return nil
}

// SetMirror enables or disables horizontal flip. Safe to call while the
// camera is running.
func (c *OpenCVCamera) SetMirror(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = enabled
}

// IsMirror returns whether horizontal flip is enabled.
func (c *OpenCVCamera) IsMirror() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror
}

// GetActualResolution returns the actual configured resolution, which may
// differ from the requested one if the device doesn't support it exactly.
func (c *OpenCVCamera) GetActualResolution() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// GetActualFPS returns the actual configured frame rate.
func (c *OpenCVCamera) GetActualFPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// EnumerateCameras best-effort probes device IDs [0, maxDevices) and
// returns the ones that open successfully.
func EnumerateCameras(maxDevices int) []int {
	var devices []int
	if maxDevices <= 0 {
		maxDevices = 10
	}
	for i := 0; i < maxDevices; i++ {
		cam, err := gocv.OpenVideoCaptureWithAPI(i, gocv.VideoCaptureV4L2)
		if err != nil {
			continue
		}
		if cam.IsOpened() {
			devices = append(devices, i)
		}
		cam.Close()
	}
	return devices
}

// RetryingCamera wraps a CameraSource with transient-read retry and
// exponential backoff: on a read failure it retries with delay doubling
// from 100ms up to 2s, and reports a persistent failure after 5 consecutive
// misses (spec.md §4.F/§7). It never re-opens the device: Open is passed
// straight through and only Read is retried. The pose loop treats a
// persistent failure as a reason to hold PAUSED rather than crash.
type RetryingCamera struct {
	inner CameraSource

	mu       sync.Mutex
	failures int
}

const (
	cameraRetryInitialDelay = 100 * time.Millisecond
	cameraRetryMaxDelay     = 2 * time.Second
	cameraMaxFailures       = 5
)

// NewRetryingCamera wraps inner with the standard backoff policy.
func NewRetryingCamera(inner CameraSource) *RetryingCamera {
	return &RetryingCamera{inner: inner}
}

// Open delegates directly; retry only applies to Read, where transient
// disconnects actually occur during a running session.
func (r *RetryingCamera) Open(deviceID, width, height, fps int) error {
	return r.inner.Open(deviceID, width, height, fps)
}

// Close delegates directly.
func (r *RetryingCamera) Close() error { return r.inner.Close() }

// Read satisfies CameraSource by delegating to ReadWithRetry with a
// background context, so a RetryingCamera can be handed directly to
// PoseLoop in place of its inner source.
func (r *RetryingCamera) Read() ([]byte, int, int, error) {
	return r.ReadWithRetry(context.Background())
}

// ReadWithRetry attempts a read, retrying with exponential backoff on
// failure. It gives up after cameraMaxFailures consecutive misses and
// returns the last error. ctx cancellation aborts the retry loop early.
func (r *RetryingCamera) ReadWithRetry(ctx context.Context) ([]byte, int, int, error) {
	delay := cameraRetryInitialDelay
	var lastErr error

	for attempt := 0; attempt < cameraMaxFailures; attempt++ {
		frame, w, h, err := r.inner.Read()
		if err == nil {
			r.mu.Lock()
			r.failures = 0
			r.mu.Unlock()
			return frame, w, h, nil
		}
		lastErr = err

		r.mu.Lock()
		r.failures++
		r.mu.Unlock()

		if attempt == cameraMaxFailures-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, 0, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > cameraRetryMaxDelay {
			delay = cameraRetryMaxDelay
		}
	}

	return nil, 0, 0, fmt.Errorf("camera read failed after %d attempts: %w", cameraMaxFailures, lastErr)
}

// ConsecutiveFailures reports the current streak of read failures.
func (r *RetryingCamera) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}
