package camera

import (
	"context"
	"time"

	"gocv.io/x/gocv"
)

// TestPattern produces a moving gradient with synthetic timestamps. It stands
// in for hardware on nodes without a sensor and drives the tests.
type TestPattern struct {
	Width      int
	Height     int
	BitDepth   int // significant bits, 8..16
	Interval   time.Duration
	BlackLevel int

	// Frames stops the source after that many frames; 0 runs until cancelled.
	Frames int

	// Every GapEvery frames the timestamp stream pauses for Gap, mimicking
	// a hardware trigger.
	GapEvery int
	Gap      time.Duration
}

// testPatternStart keeps synthetic timestamps positive; zero would mean
// stamp on arrival.
const testPatternStart = 1.0

func (p *TestPattern) Configure(cam *Camera) error {
	s := cam.Settings()
	if p.Width <= 0 {
		p.Width = s.Width
	}
	if p.Height <= 0 {
		p.Height = s.Height
	}
	if p.BitDepth == 0 {
		p.BitDepth = 8
	}
	if p.Interval <= 0 {
		p.Interval = time.Duration(float64(time.Second) / s.Framerate)
	}

	cam.SetIdentity("TestPattern", "synthetic")
	cam.SetFormat(p.Width, p.Height, p.BitDepth)
	cam.SetFramerate(float64(time.Second) / float64(p.Interval))
	return nil
}

func (p *TestPattern) Run(ctx context.Context, in Ingester) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	container := 8
	mt := gocv.MatTypeCV8UC1
	if p.BitDepth > 8 {
		container = 16
		mt = gocv.MatTypeCV16UC1
	}
	img := gocv.NewMatWithSize(p.Height, p.Width, mt)
	defer img.Close()

	ts := testPatternStart
	for i := 0; p.Frames <= 0 || i < p.Frames; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		p.draw(&img, i)
		if i > 0 {
			ts += p.Interval.Seconds()
			if p.GapEvery > 0 && i%p.GapEvery == 0 {
				ts += p.Gap.Seconds()
			}
		}

		in.Ingest(RawFrame{
			Image:      img,
			Timestamp:  ts,
			Width:      p.Width,
			Height:     p.Height,
			BitDepth:   container,
			Channels:   1,
			BlackLevel: p.BlackLevel,
		})
	}

	<-ctx.Done()
	return nil
}

func (p *TestPattern) Close() error { return nil }

// draw fills a horizontal ramp shifted by the frame index.
func (p *TestPattern) draw(img *gocv.Mat, frame int) {
	peak := 1<<p.BitDepth - 1
	for x := 0; x < p.Width; x++ {
		v := ((x + frame) % p.Width) * peak / p.Width
		for y := 0; y < p.Height; y++ {
			if p.BitDepth > 8 {
				img.SetShortAt(y, x, int16(uint16(v)))
			} else {
				img.SetUCharAt(y, x, uint8(v))
			}
		}
	}
}
