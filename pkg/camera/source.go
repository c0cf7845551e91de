package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ingester receives frames from a Source. *Camera implements it.
type Ingester interface {
	Ingest(f RawFrame)
	GotFrameTimeout()
}

// Source is one physical (or synthetic) frame producer.
type Source interface {
	// Configure opens the device and pushes its format and identity into
	// the camera.
	Configure(cam *Camera) error
	// Run delivers frames until ctx is cancelled or the device fails.
	Run(ctx context.Context, in Ingester) error
	Close() error
}

// ErrAlreadyCapturing is returned by StartCapture when a source is running.
var ErrAlreadyCapturing = errors.New("camera: already capturing")

// StartCapture configures src and starts the capture goroutine and its
// watchdog. The image counter and run start timestamp reset on every call.
func (c *Camera) StartCapture(ctx context.Context, src Source) error {
	c.capMu.Lock()
	defer c.capMu.Unlock()

	if c.src != nil {
		return ErrAlreadyCapturing
	}
	if err := src.Configure(c); err != nil {
		return fmt.Errorf("camera: configure source: %w", err)
	}

	c.imageCounter.Store(0)
	c.fps.reset()
	c.effectiveFPS.Store(0)
	c.lastFrameAt.Store(c.clock().UnixNano())

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.src, c.cancel, c.done = src, cancel, done
	c.capturing.Store(true)

	go c.watchdog(ctx)
	go func() {
		defer close(done)
		defer c.capturing.Store(false)

		c.log.Info("camera: capture started", "model", c.Model())
		if err := src.Run(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("camera: capture loop failed", "error", err)
			return
		}
		c.log.Info("camera: capture loop exited")
	}()
	return nil
}

// StopCapture stops any take and waits for its summary, joins the capture
// goroutine and only then releases the source. No-op when not capturing.
func (c *Camera) StopCapture() error {
	if _, err := c.StopRecording(); err != nil {
		c.log.Warn("camera: recording stopped with errors", "error", err)
	}
	c.waitClosed()

	c.capMu.Lock()
	defer c.capMu.Unlock()

	if c.src == nil {
		return nil
	}

	c.cancel()
	<-c.done

	err := c.src.Close()
	c.src, c.cancel, c.done = nil, nil, nil
	c.capturing.Store(false)
	c.effectiveFPS.Store(0)

	if err != nil {
		return fmt.Errorf("camera: close source: %w", err)
	}
	return nil
}

// watchdog signals GotFrameTimeout once per stall.
func (c *Camera) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.frameTimeout / 4)
	defer ticker.Stop()

	var flagged int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := c.lastFrameAt.Load()
		if last == flagged {
			continue
		}
		if c.clock().Sub(time.Unix(0, last)) > c.frameTimeout {
			c.log.Warn("camera: frame timeout", "timeout", c.frameTimeout)
			c.GotFrameTimeout()
			flagged = last
		}
	}
}
