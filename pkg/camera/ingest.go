package camera

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/recorder"
)

const (
	// triggerGap is the inter-frame gap read as the external trigger edge.
	triggerGap = 0.2
	// triggerWait is the wait budget in seconds before a take proceeds
	// without a confirmed trigger.
	triggerWait = 3.0
)

// timestampEpoch anchors synthesized timestamps.
var timestampEpoch = time.Date(2016, time.January, 1, 0, 0, 0, 0, time.UTC)

// RawFrame is one frame delivered by a Source. The caller keeps ownership
// of Image; the camera copies whatever it retains.
type RawFrame struct {
	Image      gocv.Mat
	Timestamp  float64 // seconds; <= 0 means stamp on arrival
	Width      int
	Height     int
	BitDepth   int // container depth, 8 or 16
	Channels   int
	BlackLevel int
}

// Ingest is the single entry point for frames. It runs on the capture
// goroutine and never blocks on encoding or I/O.
func (c *Camera) Ingest(f RawFrame) {
	if f.Channels != 1 {
		c.log.Warn("camera: dropping frame, multiple channels not supported by recorders",
			"channels", f.Channels,
		)
		return
	}

	s := c.Settings()
	if f.BitDepth != 8 && f.BitDepth != 16 {
		panic(fmt.Sprintf("camera: frame bit depth %d, want 8 or 16", f.BitDepth))
	}
	if s.BitDepth < 8 || s.BitDepth > 16 {
		panic(fmt.Sprintf("camera: configured bit depth %d outside [8,16]", s.BitDepth))
	}

	now := c.clock()
	ts := f.Timestamp
	if ts <= 0 {
		ts = float64(now.Sub(timestampEpoch).Milliseconds()) / 1000
	}
	if c.imageCounter.Load() == 0 {
		c.startTS = ts
		c.lastTS = 0
	}
	ts -= c.startTS

	dt := ts - c.lastTS
	c.lastTS = ts
	if dt > 0 {
		c.fps.add(1 / dt)
		c.effectiveFPS.Store(c.fps.average())
	}
	c.lastFrameAt.Store(now.UnixNano())

	if !c.Recording() {
		c.renderPreview(f, s)
		c.storeLargePreview(f)
	} else {
		c.accumulate(f, ts, dt)
	}

	c.imageCounter.Add(1)
}

// accumulate runs the trigger detection and forwards the frame to the sinks.
func (c *Camera) accumulate(f RawFrame, ts, dt float64) {
	c.recMu.Lock()

	if !c.recording {
		c.recMu.Unlock()
		return
	}

	if c.waiting && !c.hold {
		if dt > triggerGap {
			c.log.Debug("camera: recording trigger found", "gap", dt)
			c.waiting = false
		}

		c.waitBudget -= dt
		if c.waitBudget < 0 {
			c.log.Warn("camera: trigger timeout, recording without confirmed trigger")
			c.triggerTimeout = true
			c.waiting = false
		}
	}

	if !c.waiting && !c.closing {
		if !c.hasFirst {
			c.firstFrame = f.Image.Clone()
			c.firstBlack = f.BlackLevel
			c.hasFirst = true
		}

		for _, sink := range c.sinks {
			if err := sink.Append(f.Image, ts, f.BlackLevel); err != nil {
				c.log.Error("camera: sink append failed", "error", err)
			}
			if n := sink.BuffersUsed(recorder.StageEncoding); n > 0 {
				c.encodingBuffers.Store(int64(n))
			}
			if n := sink.BuffersUsed(recorder.StageWriting); n > 0 {
				c.writingBuffers.Store(int64(n))
			}
		}
	}

	var sinks []recorder.Sink
	var tc *takeClose
	limit := c.framesRemaining
	limitReached := limit > 0 && !c.closing && len(c.sinks) > 0 &&
		c.sinks[0].FrameCount() >= limit
	if limitReached {
		sinks, tc = c.beginClosing()
	}
	c.recMu.Unlock()

	if limitReached {
		c.log.Info("camera: frame limit reached", "frames", limit)
		// Draining the sinks blocks; keep it off the capture goroutine.
		go c.finishRecording(sinks, tc)
	}
}

// GotFrameTimeout is signalled when the frame source stalls.
func (c *Camera) GotFrameTimeout() {
	c.effectiveFPS.Store(0)
}
