// Package node is the camera directory of one capture node. It builds the
// cameras and their sources from configuration and fans operator commands
// out to every camera.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AlverezYari/captureframe/internal/config"
	"github.com/AlverezYari/captureframe/pkg/camera"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

// SummaryFunc receives each completed take.
type SummaryFunc func(cameraID string, doc recorder.Document)

type entry struct {
	cam *camera.Camera
	src camera.Source
}

type Node struct {
	id      string
	folders []string
	log     *slog.Logger

	mu      sync.RWMutex
	entries []entry
	byID    map[string]*camera.Camera

	subMu       sync.RWMutex
	subscribers []SummaryFunc
}

// New builds an idle node; nothing captures until Start.
func New(cfg *config.AppConfig, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		id:      cfg.Node.ID,
		folders: cfg.Recording.Folders,
		log:     logger.With("node", cfg.Node.ID),
		byID:    make(map[string]*camera.Camera),
	}

	for i, cc := range cfg.Cameras {
		src, err := newSource(cc)
		if err != nil {
			return nil, fmt.Errorf("node: cameras[%d]: %w", i, err)
		}
		cam := camera.New(camera.Config{
			ID:           cc.ID,
			Settings:     settingsFor(cc),
			ImageExt:     cfg.Recording.ImageExt,
			MovieCodec:   cfg.Recording.MovieCodec,
			FrameTimeout: cc.FrameTimeout,
			OnSummary:    n.summaryHook(cc.ID),
			Logger:       logger,
		})
		if err := n.Add(cam, src); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func settingsFor(cc config.CameraConfig) camera.Settings {
	return camera.Settings{
		Width:         cc.Width,
		Height:        cc.Height,
		BitDepth:      cc.BitDepth,
		Framerate:     cc.Framerate,
		PreviewWidth:  cc.PreviewWidth,
		PreviewHeight: cc.PreviewHeight,
		NeedDebayer:   cc.NeedDebayer,
		Balance:       cc.ColorBalance,
		HardwareSync:  cc.HardwareSync,
	}
}

func newSource(cc config.CameraConfig) (camera.Source, error) {
	switch cc.Backend {
	case config.BackendWebcam:
		return camera.NewWebcam(cc.Device), nil
	case config.BackendTestPattern:
		return &camera.TestPattern{
			Width:    cc.Width,
			Height:   cc.Height,
			BitDepth: cc.BitDepth,
			Interval: time.Duration(float64(time.Second) / cc.Framerate),
			GapEvery: cc.TriggerEvery,
			Gap:      cc.TriggerGap,
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cc.Backend)
}

// summaryHook resolves the camera id lazily since it may be generated.
func (n *Node) summaryHook(configured string) func(recorder.Document) {
	return func(doc recorder.Document) {
		id, _ := doc["unique_id"].(string)
		if id == "" {
			id = configured
		}
		n.subMu.RLock()
		subs := append([]SummaryFunc(nil), n.subscribers...)
		n.subMu.RUnlock()
		for _, fn := range subs {
			fn(id, doc)
		}
	}
}

// Add registers a camera with its source. Cameras built outside New do not
// report summaries to subscribers.
func (n *Node) Add(cam *camera.Camera, src camera.Source) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.byID[cam.UniqueID()]; dup {
		return fmt.Errorf("node: duplicate camera id %q", cam.UniqueID())
	}
	n.entries = append(n.entries, entry{cam: cam, src: src})
	n.byID[cam.UniqueID()] = cam
	return nil
}

// Subscribe registers fn for every completed take on any camera.
func (n *Node) Subscribe(fn SummaryFunc) {
	n.subMu.Lock()
	n.subscribers = append(n.subscribers, fn)
	n.subMu.Unlock()
}

func (n *Node) ID() string { return n.id }

// Camera looks a camera up by its unique id.
func (n *Node) Camera(id string) (*camera.Camera, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cam, ok := n.byID[id]
	return cam, ok
}

// Cameras returns the cameras in configuration order.
func (n *Node) Cameras() []*camera.Camera {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*camera.Camera, len(n.entries))
	for i, e := range n.entries {
		out[i] = e.cam
	}
	return out
}

func (n *Node) Statuses() []camera.Status {
	cams := n.Cameras()
	out := make([]camera.Status, len(cams))
	for i, cam := range cams {
		out[i] = cam.Status()
	}
	return out
}

// Start begins capture on every camera. Cameras that fail to open are
// logged and skipped; the error reports all of them.
func (n *Node) Start(ctx context.Context) error {
	n.mu.RLock()
	entries := append([]entry(nil), n.entries...)
	n.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if err := e.cam.StartCapture(ctx, e.src); err != nil {
			n.log.Error("node: camera failed to start", "camera", e.cam.UniqueID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.cam.UniqueID(), err))
			continue
		}
		n.log.Info("node: camera started", "camera", e.cam.String())
	}
	return errors.Join(errs...)
}

// Stop ends capture on every camera, finishing any take first.
func (n *Node) Stop() error {
	var errs []error
	for _, cam := range n.Cameras() {
		if err := cam.StopCapture(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cam.UniqueID(), err))
		}
	}
	return errors.Join(errs...)
}

// StartRecordingAll starts a take on every capturing camera. Empty folders
// fall back to the configured recording folders.
func (n *Node) StartRecordingAll(folders []string, waitForTrigger bool, frameLimit int) error {
	if len(folders) == 0 {
		folders = n.folders
	}

	var errs []error
	for _, cam := range n.Cameras() {
		if err := cam.StartRecording(folders, waitForTrigger, frameLimit); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cam.UniqueID(), err))
		}
	}
	n.log.Info("node: recording requested",
		"folders", folders,
		"wait_for_trigger", waitForTrigger,
		"frame_limit", frameLimit,
		"failures", len(errs),
	)
	return errors.Join(errs...)
}

// StopRecordingAll stops every take and returns the summaries by camera id.
func (n *Node) StopRecordingAll() (map[string]recorder.Document, error) {
	docs := make(map[string]recorder.Document)
	var errs []error
	for _, cam := range n.Cameras() {
		doc, err := cam.StopRecording()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cam.UniqueID(), err))
		}
		if doc != nil {
			docs[cam.UniqueID()] = doc
		}
	}
	return docs, errors.Join(errs...)
}

func (n *Node) RemoveRecordingHoldAll() {
	for _, cam := range n.Cameras() {
		cam.RemoveRecordingHold()
	}
}

func (n *Node) SetPreviewModeAll(mode camera.PreviewMode) {
	for _, cam := range n.Cameras() {
		cam.SetPreviewMode(mode)
	}
}

// Recording reports whether any camera is in a take.
func (n *Node) Recording() bool {
	for _, cam := range n.Cameras() {
		if cam.Recording() {
			return true
		}
	}
	return false
}
