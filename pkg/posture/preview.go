//go:build cgo
// +build cgo

package posture

import (
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

// PreviewWindow is a debug-only window that draws the captured frame with a
// posture skeleton overlay and the current state label. OpenCV UI calls must
// run on the same OS thread throughout their lifetime on Linux/X11, so the
// window owns a dedicated goroutine locked with runtime.LockOSThread, the
// same structure as the teacher's preview.go.
type PreviewWindow struct {
	window   *gocv.Window
	frameCh  chan previewFrame
	closeCh  chan struct{}
	doneCh   chan struct{}
	once     sync.Once
	initDone chan struct{}
}

type previewFrame struct {
	mat   gocv.Mat
	frame Frame
	state PostureState
}

// skeletonEdges connects adjacent landmark pairs for the overlay (a reduced
// upper-body subset, since posture only reasons about shoulders/hips/ears).
var skeletonEdges = [][2]int{
	{LandmarkLeftEar, LandmarkLeftShoulder},
	{LandmarkRightEar, LandmarkRightShoulder},
	{LandmarkLeftShoulder, LandmarkRightShoulder},
	{LandmarkLeftShoulder, LandmarkLeftHip},
	{LandmarkRightShoulder, LandmarkRightHip},
	{LandmarkLeftHip, LandmarkRightHip},
}

// NewPreviewWindow creates a preview window with the given title.
func NewPreviewWindow(title string) *PreviewWindow {
	p := &PreviewWindow{
		frameCh:  make(chan previewFrame, 1),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		initDone: make(chan struct{}),
	}

	go p.previewLoop(title)
	<-p.initDone

	return p
}

func (p *PreviewWindow) previewLoop(title string) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.window = gocv.NewWindow(title)
	close(p.initDone)

	for {
		select {
		case pf := <-p.frameCh:
			drawOverlay(pf.mat, pf.frame, pf.state)
			p.window.IMShow(pf.mat)
			p.window.WaitKey(1)
			pf.mat.Close()

		case <-p.closeCh:
			if p.window != nil {
				p.window.Close()
			}
			close(p.doneCh)
			return
		}
	}
}

// Show displays a captured frame with its posture overlay. The Mat is
// cloned internally, so the caller retains ownership of the original.
func (p *PreviewWindow) Show(mat gocv.Mat, frame Frame, state PostureState) {
	if mat.Empty() {
		return
	}
	cloned := mat.Clone()

	select {
	case p.frameCh <- previewFrame{mat: cloned, frame: frame, state: state}:
	default:
		cloned.Close()
	}
}

// Close closes the preview window and releases resources.
func (p *PreviewWindow) Close() error {
	p.once.Do(func() {
		close(p.closeCh)
		<-p.doneCh
	})
	return nil
}

func drawOverlay(mat gocv.Mat, frame Frame, state PostureState) {
	w := mat.Cols()
	h := mat.Rows()

	stateColor := color.RGBA{0, 200, 0, 0}
	if state != StateGood && state != StatePaused {
		stateColor = color.RGBA{220, 40, 40, 0}
	} else if state == StatePaused {
		stateColor = color.RGBA{200, 200, 0, 0}
	}

	for _, edge := range skeletonEdges {
		a := frame.Landmarks[edge[0]]
		b := frame.Landmarks[edge[1]]
		if a.Visibility < 0.3 || b.Visibility < 0.3 {
			continue
		}
		pa := image.Pt(int(a.X*float64(w)), int(a.Y*float64(h)))
		pb := image.Pt(int(b.X*float64(w)), int(b.Y*float64(h)))
		gocv.Line(&mat, pa, pb, stateColor, 2)
	}

	gocv.PutText(&mat, fmt.Sprintf("state: %s", state), image.Pt(10, 20),
		gocv.FontHersheyPlain, 1.2, stateColor, 2)
}
