// Package recorder implements the buffered sinks a camera feeds during a take.
//
// Every sink hands frames off to a two-stage pipeline (encoding, writing)
// so Append costs one frame copy. Close drains both stages and Summarize
// contributes the sink's fields to the take summary.
package recorder

import (
	"errors"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/colorproc"
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("recorder: sink closed")

	// ErrNoDestination is returned when a sink is created without folders.
	ErrNoDestination = errors.New("recorder: no destination folder")
)

// Stage identifies one of the two pipeline stages.
type Stage int

const (
	StageEncoding Stage = iota
	StageWriting
)

func (s Stage) String() string {
	switch s {
	case StageEncoding:
		return "encoding"
	case StageWriting:
		return "writing"
	}
	return "unknown"
}

// Format is copied from the camera when a sink is created and never changes
// for the sink's lifetime.
type Format struct {
	CameraID    string
	Framerate   float64
	Width       int
	Height      int
	BitDepth    int
	NeedDebayer bool
	Balance     colorproc.Balance
}

// Frame is one accepted frame travelling through a sink pipeline.
type Frame struct {
	Image      gocv.Mat
	Timestamp  float64 // seconds since the start of the capture run
	BlackLevel int
	Index      int
}

// Sink consumes the frames of one take.
type Sink interface {
	// Append accepts one frame. The sink copies img; the caller keeps ownership.
	// Must not block on encoding or I/O.
	Append(img gocv.Mat, timestamp float64, blackLevel int) error

	// FrameCount is the number of frames accepted so far.
	FrameCount() int

	// BuffersUsed reports the current queue depth of a pipeline stage.
	BuffersUsed(stage Stage) int

	// Close drains the pipeline and finalizes outputs. Blocks.
	Close() error

	// Summarize adds this sink's fields to doc. Call after Close.
	Summarize(doc Document) error
}

// CameraInfo is the read-only view of the owning camera used by sinks that
// log camera-level figures.
type CameraInfo interface {
	EffectiveFPS() float64
	Width() int
	Height() int
}

// Document is the key/value tree built once per completed take.
type Document map[string]any

// Section returns the nested document under key, creating it if needed.
func (d Document) Section(key string) Document {
	if sub, ok := d[key].(Document); ok {
		return sub
	}
	sub := Document{}
	d[key] = sub
	return sub
}

// counter tracks accepted frames and the first/last timestamps.
// Timestamps are written by Append and read after Close.
type counter struct {
	frames atomic.Int64
	closed atomic.Bool

	firstTS float64
	lastTS  float64
}

// accept reserves the next frame index. Returns false once closed.
func (c *counter) accept(ts float64) (int, bool) {
	if c.closed.Load() {
		return 0, false
	}
	n := int(c.frames.Add(1)) - 1
	if n == 0 {
		c.firstTS = ts
	}
	c.lastTS = ts
	return n, true
}

func (c *counter) count() int {
	return int(c.frames.Load())
}

func (c *counter) markClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}

func (c *counter) summarize(sec Document) {
	n := c.count()
	sec["frame_count"] = n
	if n > 0 {
		sec["first_timestamp"] = c.firstTS
		sec["last_timestamp"] = c.lastTS
	}
}
