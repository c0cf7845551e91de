package camera

import (
	"encoding/base64"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/colorproc"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

// StartRecording starts a take writing to folders. With waitForTrigger the
// frames are held back until a trigger edge is seen (or the wait budget runs
// out) after RemoveRecordingHold. A frameLimit > 0 records a bounded image
// sequence and stops on its own. No-op when already recording.
func (c *Camera) StartRecording(folders []string, waitForTrigger bool, frameLimit int) error {
	if !c.Capturing() {
		return ErrNotCapturing
	}
	if c.Recording() {
		return nil
	}

	// Sinks open files; build them before taking the state lock so ingest
	// never waits on I/O.
	sinks, err := c.newSinks(c, Take{Folders: folders, FrameLimit: frameLimit})
	if err != nil {
		return fmt.Errorf("camera: create recorders: %w", err)
	}

	c.recMu.Lock()
	if c.recording {
		c.recMu.Unlock()
		closeAll(sinks)
		return nil
	}

	c.releaseFirstFrame()
	c.summary = nil
	c.framesRemaining = frameLimit
	c.encodingBuffers.Store(0)
	c.writingBuffers.Store(0)
	c.sinks = sinks

	c.triggerTimeout = false
	c.closing = false
	c.recording = true
	c.waitBudget = triggerWait
	c.hold = true
	c.waiting = waitForTrigger
	c.recMu.Unlock()

	c.log.Info("camera: recording started",
		"folders", folders,
		"wait_for_trigger", waitForTrigger,
		"frame_limit", frameLimit,
		"sinks", len(sinks),
	)
	return nil
}

// StopRecording closes every sink and builds the take summary. It returns
// the summary together with any sink failures; a failing sink does not keep
// the others from closing. When the take is already closing (frame limit
// reached) it waits for that close and returns its result. No-op when not
// recording.
func (c *Camera) StopRecording() (recorder.Document, error) {
	c.recMu.Lock()
	if !c.recording {
		c.recMu.Unlock()
		return nil, nil
	}
	if c.closing {
		tc := c.lastClose
		c.recMu.Unlock()
		<-tc.done
		return tc.doc, tc.err
	}
	sinks, tc := c.beginClosing()
	c.recMu.Unlock()

	return c.finishRecording(sinks, tc)
}

// takeClose is the outcome of closing one take. done is closed once the
// summary hook has returned.
type takeClose struct {
	done chan struct{}
	doc  recorder.Document
	err  error
}

// beginClosing must be called with recMu held. Ingest stops touching the
// sinks from here on.
func (c *Camera) beginClosing() ([]recorder.Sink, *takeClose) {
	c.closing = true
	c.lastClose = &takeClose{done: make(chan struct{})}
	return c.sinks, c.lastClose
}

// waitClosed blocks until the most recent take close, if any, has finished.
func (c *Camera) waitClosed() {
	c.recMu.Lock()
	tc := c.lastClose
	c.recMu.Unlock()
	if tc != nil {
		<-tc.done
	}
}

// RemoveRecordingHold enables trigger detection for the current take.
func (c *Camera) RemoveRecordingHold() {
	c.recMu.Lock()
	c.hold = false
	c.recMu.Unlock()
}

// Recording reports whether a take is in progress (including trigger wait
// and the closing phase).
func (c *Camera) Recording() bool {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.recording
}

func (c *Camera) WaitingForTrigger() bool {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.recording && c.waiting
}

func (c *Camera) TriggerTimeout() bool {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.triggerTimeout
}

// BuffersUsed reports the last non-zero queue depth any sink reported for stage.
func (c *Camera) BuffersUsed(stage recorder.Stage) int {
	switch stage {
	case recorder.StageEncoding:
		return int(c.encodingBuffers.Load())
	case recorder.StageWriting:
		return int(c.writingBuffers.Load())
	}
	return 0
}

// LastSummary returns the summary of the last completed take, nil if none.
func (c *Camera) LastSummary() recorder.Document {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.summary
}

// finishRecording runs with closing set, so ingest no longer touches the
// sinks or the first-frame snapshot.
func (c *Camera) finishRecording(sinks []recorder.Sink, tc *takeClose) (recorder.Document, error) {
	var errs []error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			c.log.Error("camera: recorder close failed", "error", err)
			errs = append(errs, err)
		}
	}

	doc := recorder.Document{"unique_id": c.id}
	for _, sink := range sinks {
		if err := sink.Summarize(doc); err != nil {
			c.log.Error("camera: recorder summary failed", "error", err)
			errs = append(errs, err)
		}
	}

	s := c.Settings()
	c.recMu.Lock()
	timedOut := c.triggerTimeout
	c.recMu.Unlock()

	doc["camera"] = recorder.Document{
		"unique_id":             c.id,
		"model":                 c.Model(),
		"version":               c.Version(),
		"effective_fps":         c.EffectiveFPS(),
		"framerate":             s.Framerate,
		"width":                 s.Width,
		"height":                s.Height,
		"using_hardware_sync":   s.HardwareSync,
		"error_trigger_timeout": timedOut,
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		doc["errors"] = msgs
	}

	if thumb, ok := c.thumbnail(s); ok {
		doc["jpeg_thumbnail"] = base64.StdEncoding.EncodeToString(thumb)
	}

	err := errors.Join(errs...)
	tc.doc, tc.err = doc, err

	c.recMu.Lock()
	c.summary = doc
	c.sinks = nil
	c.releaseFirstFrame()
	c.recording = false
	c.waiting = false
	c.hold = false
	c.closing = false
	c.encodingBuffers.Store(0)
	c.writingBuffers.Store(0)
	c.recMu.Unlock()

	c.log.Info("camera: recording stopped", "errors", len(errs))

	if c.onSummary != nil {
		c.onSummary(doc)
	}

	close(tc.done)
	return doc, err
}

// thumbnail prefers the first frame of the take, falling back to the live
// preview.
func (c *Camera) thumbnail(s Settings) ([]byte, bool) {
	if !c.hasFirst {
		return c.PreviewImage()
	}

	img := c.firstFrame
	if s.NeedDebayer && img.Channels() == 1 {
		img = colorproc.Debayer(c.firstFrame)
		defer img.Close()
	}

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(img, &small, image.Pt(s.PreviewWidth*2, s.PreviewHeight*2), 0, 0, gocv.InterpolationArea)

	if s.NeedDebayer {
		s.Balance.Apply(&small, c.firstBlack)
	}
	colorproc.ToEightBit(&small, s.BitDepth)
	colorproc.LinearToSRGB(&small)

	data, err := colorproc.EncodeJPEG(small)
	if err != nil {
		c.log.Error("camera: thumbnail encode failed", "error", err)
		return nil, false
	}
	return data, true
}

// releaseFirstFrame must be called with recMu held.
func (c *Camera) releaseFirstFrame() {
	if c.hasFirst {
		c.firstFrame.Close()
		c.hasFirst = false
	}
}

func closeAll(sinks []recorder.Sink) {
	for _, sink := range sinks {
		sink.Close()
	}
}
