package camera

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

const readRetry = 10 * time.Millisecond

// Webcam polls an OpenCV video device. Frames are delivered as 8-bit
// grayscale since the recorders handle a single channel only.
type Webcam struct {
	Device int

	cap *gocv.VideoCapture
}

func NewWebcam(device int) *Webcam {
	return &Webcam{Device: device}
}

func (w *Webcam) Configure(cam *Camera) error {
	cap, err := gocv.OpenVideoCapture(w.Device)
	if err != nil {
		return fmt.Errorf("error opening camera %d: %w", w.Device, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("camera %d is not open", w.Device)
	}

	s := cam.Settings()
	cap.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
	cap.Set(gocv.VideoCaptureFPS, s.Framerate)

	// The device may not honour the requested size; trust the first frame.
	img := gocv.NewMat()
	defer img.Close()
	if ok := cap.Read(&img); !ok || img.Empty() {
		cap.Close()
		return fmt.Errorf("camera %d delivered no frame", w.Device)
	}

	cam.SetIdentity("Webcam", "CV:"+gocv.OpenCVVersion())
	cam.SetFormat(img.Cols(), img.Rows(), 8)
	cam.SetNeedDebayer(false)
	cam.SetPreviewSize(s.PreviewWidth, s.PreviewWidth*img.Rows()/img.Cols())
	if fps := cap.Get(gocv.VideoCaptureFPS); fps > 0 {
		cam.SetFramerate(fps)
	}

	w.cap = cap
	return nil
}

func (w *Webcam) Run(ctx context.Context, in Ingester) error {
	if w.cap == nil {
		return fmt.Errorf("camera %d is not configured", w.Device)
	}

	img := gocv.NewMat()
	defer img.Close()
	gray := gocv.NewMat()
	defer gray.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if ok := w.cap.Read(&img); !ok || img.Empty() {
			// The watchdog reports the stall; keep polling.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readRetry):
			}
			continue
		}

		if img.Channels() == 3 {
			gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
		} else {
			img.CopyTo(&gray)
		}

		in.Ingest(RawFrame{
			Image:    gray,
			Width:    gray.Cols(),
			Height:   gray.Rows(),
			BitDepth: 8,
			Channels: 1,
		})
	}
}

func (w *Webcam) Close() error {
	if w.cap == nil {
		return nil
	}
	err := w.cap.Close()
	w.cap = nil
	if err != nil {
		return fmt.Errorf("error closing camera %d: %w", w.Device, err)
	}
	return nil
}
