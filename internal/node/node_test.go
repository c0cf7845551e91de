package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AlverezYari/captureframe/internal/config"
	"github.com/AlverezYari/captureframe/pkg/camera"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

func testConfig(t *testing.T, ids ...string) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.Folders = []string{t.TempDir()}
	cfg.Cameras = nil
	for _, id := range ids {
		cfg.Cameras = append(cfg.Cameras, config.CameraConfig{
			ID:            id,
			Backend:       config.BackendTestPattern,
			Width:         32,
			Height:        24,
			BitDepth:      8,
			Framerate:     200,
			PreviewWidth:  16,
			PreviewHeight: 12,
			FrameTimeout:  time.Second,
		})
	}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNodeLookup(t *testing.T) {
	n, err := New(testConfig(t, "a", "b"), quietLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, ok := n.Camera("a"); !ok {
		t.Error("Camera(a) not found")
	}
	if _, ok := n.Camera("missing"); ok {
		t.Error("Camera(missing) found")
	}
	if got := len(n.Cameras()); got != 2 {
		t.Errorf("Cameras()=%d, want 2", got)
	}

	dup := camera.New(camera.Config{ID: "a", Logger: quietLogger()})
	if err := n.Add(dup, &camera.TestPattern{}); err == nil {
		t.Error("Add() accepted a duplicate id")
	}
}

func TestRecordingRequiresStart(t *testing.T) {
	n, err := New(testConfig(t, "a"), quietLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := n.StartRecordingAll(nil, false, 0); !errors.Is(err, camera.ErrNotCapturing) {
		t.Errorf("StartRecordingAll() error=%v, want ErrNotCapturing", err)
	}
}

func TestBoundedTakeOnAllCameras(t *testing.T) {
	cfg := testConfig(t, "a", "b")
	dest := cfg.Recording.Folders[0]

	n, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	summaries := make(chan string, 2)
	n.Subscribe(func(id string, doc recorder.Document) {
		if doc.Section("images")["frame_count"] == 3 {
			summaries <- id
		}
	})

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer n.Stop()

	waitFor(t, "frames on every camera", func() bool {
		for _, st := range n.Statuses() {
			if st.ImageCount < 2 {
				return false
			}
		}
		return true
	})

	if err := n.StartRecordingAll(nil, false, 3); err != nil {
		t.Fatalf("StartRecordingAll() failed: %v", err)
	}

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-summaries:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("summaries received=%v, want a and b", got)
		}
	}

	for _, id := range []string{"a", "b"} {
		for _, path := range []string{
			filepath.Join(dest, id, id+"_000000.png"),
			filepath.Join(dest, id, id+"_000002.png"),
			filepath.Join(dest, id+"_meta.msgpack"),
		} {
			if _, err := os.Stat(path); err != nil {
				t.Errorf("missing output: %v", err)
			}
		}
	}

	waitFor(t, "takes to finish", func() bool { return !n.Recording() })
	if docs, err := n.StopRecordingAll(); err != nil || len(docs) != 0 {
		t.Errorf("StopRecordingAll() after auto stop = %v, %v", docs, err)
	}
}

func TestTriggeredTakeStoppedByOperator(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.Cameras[0].TriggerEvery = 20
	cfg.Cameras[0].TriggerGap = 300 * time.Millisecond

	n, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer n.Stop()

	if err := n.StartRecordingAll(nil, true, 0); err != nil {
		t.Skipf("movie recorder unavailable: %v", err)
	}
	n.RemoveRecordingHoldAll()
	n.SetPreviewModeAll(camera.ModeHistogram)

	cam, _ := n.Camera("a")
	waitFor(t, "triggered frames", func() bool { return cam.Status().FramesRecorded >= 5 })
	if cam.WaitingForTrigger() || cam.TriggerTimeout() {
		t.Error("synthetic gap did not trigger the take")
	}

	docs, err := n.StopRecordingAll()
	if err != nil {
		t.Fatalf("StopRecordingAll() failed: %v", err)
	}
	doc := docs["a"]
	if doc == nil {
		t.Fatal("no summary for camera a")
	}
	if doc.Section("camera")["error_trigger_timeout"] != false {
		t.Error("error_trigger_timeout set for a triggered take")
	}
	if _, ok := doc["movie"]; !ok {
		t.Error("movie section missing")
	}
	if cam.Settings().PreviewMode != camera.ModeHistogram {
		t.Error("preview mode not applied")
	}
}
