package camera

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/recorder"
)

// fakeSink records timestamps instead of writing anything.
type fakeSink struct {
	mu         sync.Mutex
	timestamps []float64
	closed     int
	closeErr   error
	closeDelay time.Duration
	pending    int
}

func (s *fakeSink) Append(img gocv.Mat, ts float64, black int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return recorder.ErrClosed
	}
	s.timestamps = append(s.timestamps, ts)
	return nil
}

func (s *fakeSink) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timestamps)
}

func (s *fakeSink) BuffersUsed(recorder.Stage) int { return s.pending }

func (s *fakeSink) Close() error {
	time.Sleep(s.closeDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

func (s *fakeSink) Summarize(doc recorder.Document) error {
	doc.Section("fake")["frame_count"] = s.FrameCount()
	return nil
}

func (s *fakeSink) recorded() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.timestamps...)
}

// idleSource lets tests drive Ingest directly.
type idleSource struct{ closed int }

func (s *idleSource) Configure(*Camera) error { return nil }
func (s *idleSource) Run(ctx context.Context, _ Ingester) error {
	<-ctx.Done()
	return nil
}
func (s *idleSource) Close() error { s.closed++; return nil }

type testRig struct {
	cam       *Camera
	sinks     []*fakeSink
	summaries chan recorder.Document
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRig(t *testing.T, sinks ...*fakeSink) *testRig {
	t.Helper()
	if len(sinks) == 0 {
		sinks = []*fakeSink{{}}
	}
	rig := &testRig{sinks: sinks, summaries: make(chan recorder.Document, 4)}

	rig.cam = New(Config{
		ID: "cam0",
		Settings: Settings{
			Width: 16, Height: 16, BitDepth: 8, Framerate: 25,
			PreviewWidth: 8, PreviewHeight: 8,
		},
		NewSinks: func(*Camera, Take) ([]recorder.Sink, error) {
			out := make([]recorder.Sink, len(rig.sinks))
			for i, s := range rig.sinks {
				out[i] = s
			}
			return out, nil
		},
		OnSummary: func(doc recorder.Document) { rig.summaries <- doc },
		Logger:    discardLogger(),
	})

	if err := rig.cam.StartCapture(context.Background(), &idleSource{}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	t.Cleanup(func() { rig.cam.StopCapture() })
	return rig
}

// ingest feeds one 8-bit gray frame per timestamp.
func (r *testRig) ingest(timestamps ...float64) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(120, 0, 0, 0), 16, 16, gocv.MatTypeCV8UC1)
	defer img.Close()
	for _, ts := range timestamps {
		r.cam.Ingest(RawFrame{Image: img, Timestamp: ts, Width: 16, Height: 16, BitDepth: 8, Channels: 1})
	}
}

// spaced returns n timestamps starting at start, step apart.
func spaced(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEffectiveFPSConverges(t *testing.T) {
	rig := newTestRig(t)
	rig.ingest(spaced(10, 0.04, 30)...)

	if got := rig.cam.EffectiveFPS(); math.Abs(got-25) > 0.01 {
		t.Errorf("EffectiveFPS()=%v, want 25", got)
	}
	if got := rig.cam.ImageCount(); got != 30 {
		t.Errorf("ImageCount()=%d, want 30", got)
	}

	rig.cam.GotFrameTimeout()
	if got := rig.cam.EffectiveFPS(); got != 0 {
		t.Errorf("EffectiveFPS() after timeout=%v, want 0", got)
	}
}

func TestIngestDropsMultiChannelFrames(t *testing.T) {
	rig := newTestRig(t)

	img := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC3)
	defer img.Close()
	rig.cam.Ingest(RawFrame{Image: img, Timestamp: 1, Width: 16, Height: 16, BitDepth: 8, Channels: 3})

	if got := rig.cam.ImageCount(); got != 0 {
		t.Errorf("ImageCount()=%d, want 0", got)
	}
	if _, ok := rig.cam.PreviewImage(); ok {
		t.Error("PreviewImage() available after a dropped frame")
	}
}

func TestIngestPanicsOnBadBitDepth(t *testing.T) {
	rig := newTestRig(t)

	defer func() {
		if recover() == nil {
			t.Error("Ingest() with a 12-bit container did not panic")
		}
	}()

	img := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC1)
	defer img.Close()
	rig.cam.Ingest(RawFrame{Image: img, Timestamp: 1, BitDepth: 12, Channels: 1})
}

func TestSetFormatPanicsOutsideRange(t *testing.T) {
	cam := New(Config{Logger: discardLogger()})
	for _, depth := range []int{7, 17} {
		t.Run("", func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("SetFormat(bitDepth=%d) did not panic", depth)
				}
			}()
			cam.SetFormat(16, 16, depth)
		})
	}
}

func TestStartRecordingRequiresCapture(t *testing.T) {
	cam := New(Config{Logger: discardLogger()})
	if err := cam.StartRecording([]string{t.TempDir()}, false, 0); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("StartRecording() error=%v, want ErrNotCapturing", err)
	}
	if cam.Recording() {
		t.Error("Recording() true without capture")
	}
}

func TestRecordingWithoutTrigger(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.cam.StartRecording([]string{"unused"}, false, 0); err != nil {
		t.Fatalf("StartRecording() failed: %v", err)
	}
	rig.ingest(spaced(10, 0.04, 5)...)

	if got := rig.sinks[0].FrameCount(); got != 5 {
		t.Errorf("FrameCount()=%d, want 5", got)
	}
	if _, ok := rig.cam.PreviewImage(); ok {
		t.Error("preview rendered while recording")
	}
	if rig.cam.WaitingForTrigger() {
		t.Error("WaitingForTrigger() true for an untriggered take")
	}
}

func TestTriggerGapStartsTake(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.cam.StartRecording([]string{"unused"}, true, 0); err != nil {
		t.Fatalf("StartRecording() failed: %v", err)
	}

	// Held: even a large gap is ignored.
	rig.ingest(10.0, 11.0)
	if got := rig.sinks[0].FrameCount(); got != 0 {
		t.Fatalf("frames appended while held: %d", got)
	}
	if !rig.cam.WaitingForTrigger() {
		t.Fatal("WaitingForTrigger()=false while held")
	}

	rig.cam.RemoveRecordingHold()
	rig.ingest(11.05, 11.10, 11.35, 11.40)

	got := rig.sinks[0].recorded()
	if len(got) != 2 {
		t.Fatalf("appended %d frames, want 2 (gap frame and successor)", len(got))
	}
	if math.Abs(got[0]-1.35) > 1e-9 || math.Abs(got[1]-1.40) > 1e-9 {
		t.Errorf("timestamps=%v, want run-relative [1.35 1.40]", got)
	}
	if rig.cam.WaitingForTrigger() || rig.cam.TriggerTimeout() {
		t.Error("trigger state not cleared by the gap")
	}
}

func TestTriggerTimeoutProceedsUnconfirmed(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.cam.StartRecording([]string{"unused"}, true, 0); err != nil {
		t.Fatalf("StartRecording() failed: %v", err)
	}
	rig.cam.RemoveRecordingHold()
	rig.ingest(spaced(10, 0.1, 40)...)

	if !rig.cam.TriggerTimeout() {
		t.Fatal("TriggerTimeout()=false after exhausting the wait budget")
	}
	n := rig.sinks[0].FrameCount()
	if n == 0 || n >= 40 {
		t.Errorf("FrameCount()=%d, want frames only after the budget ran out", n)
	}

	doc, err := rig.cam.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording() failed: %v", err)
	}
	if doc.Section("camera")["error_trigger_timeout"] != true {
		t.Errorf("error_trigger_timeout=%v, want true", doc.Section("camera")["error_trigger_timeout"])
	}
}

func TestFrameLimitStopsRecording(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.cam.StartRecording([]string{"unused"}, false, 3); err != nil {
		t.Fatalf("StartRecording() failed: %v", err)
	}
	rig.ingest(spaced(10, 0.04, 6)...)

	waitFor(t, "recording to stop", func() bool { return !rig.cam.Recording() })

	if got := rig.sinks[0].FrameCount(); got != 3 {
		t.Errorf("FrameCount()=%d, want 3", got)
	}
	select {
	case doc := <-rig.summaries:
		if doc.Section("fake")["frame_count"] != 3 {
			t.Errorf("summary frame_count=%v, want 3", doc.Section("fake")["frame_count"])
		}
	case <-time.After(time.Second):
		t.Fatal("no summary delivered")
	}
	if rig.cam.LastSummary() == nil {
		t.Error("LastSummary() nil after auto stop")
	}
}

func TestStopWaitsForFrameLimitClose(t *testing.T) {
	rig := newTestRig(t, &fakeSink{closeDelay: 200 * time.Millisecond})

	rig.cam.StartRecording([]string{"unused"}, false, 3)
	rig.ingest(spaced(10, 0.04, 3)...)

	// The frame limit close is still draining the slow sink.
	doc, err := rig.cam.StopRecording()
	if err != nil || doc == nil {
		t.Fatalf("StopRecording() during auto stop = %v, %v", doc, err)
	}
	if doc.Section("fake")["frame_count"] != 3 {
		t.Errorf("summary frame_count=%v, want 3", doc.Section("fake")["frame_count"])
	}
	if rig.cam.Recording() {
		t.Error("Recording() true after StopRecording returned")
	}
}

func TestStopCaptureWaitsForFrameLimitClose(t *testing.T) {
	rig := newTestRig(t, &fakeSink{closeDelay: 200 * time.Millisecond})

	rig.cam.StartRecording([]string{"unused"}, false, 3)
	rig.ingest(spaced(10, 0.04, 3)...)

	if err := rig.cam.StopCapture(); err != nil {
		t.Fatalf("StopCapture() failed: %v", err)
	}
	if rig.cam.Recording() {
		t.Error("Recording() true after StopCapture returned")
	}
	if rig.cam.LastSummary() == nil {
		t.Error("LastSummary() nil after StopCapture returned")
	}
	select {
	case <-rig.summaries:
	default:
		t.Error("summary hook had not run when StopCapture returned")
	}
	if got := rig.sinks[0].closed; got != 1 {
		t.Errorf("sink closed %d times, want 1", got)
	}
}

func TestStopRecordingIdempotent(t *testing.T) {
	rig := newTestRig(t)

	if doc, err := rig.cam.StopRecording(); doc != nil || err != nil {
		t.Fatalf("StopRecording() while idle = %v, %v", doc, err)
	}

	rig.cam.StartRecording([]string{"unused"}, false, 0)
	rig.cam.StartRecording([]string{"unused"}, false, 0)
	rig.ingest(10, 10.04)

	doc, err := rig.cam.StopRecording()
	if err != nil || doc == nil {
		t.Fatalf("StopRecording() = %v, %v", doc, err)
	}
	if doc, _ := rig.cam.StopRecording(); doc != nil {
		t.Error("second StopRecording() produced a summary")
	}
	if got := rig.sinks[0].closed; got != 1 {
		t.Errorf("sink closed %d times, want 1", got)
	}
}

func TestSummaryDocument(t *testing.T) {
	rig := newTestRig(t)

	rig.cam.StartRecording([]string{"unused"}, false, 0)
	rig.ingest(10, 10.04, 10.08)
	doc, err := rig.cam.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording() failed: %v", err)
	}

	if doc["unique_id"] != "cam0" {
		t.Errorf("unique_id=%v", doc["unique_id"])
	}
	cam := doc.Section("camera")
	for _, key := range []string{
		"unique_id", "model", "version", "effective_fps", "framerate",
		"width", "height", "using_hardware_sync", "error_trigger_timeout",
	} {
		if _, ok := cam[key]; !ok {
			t.Errorf("camera section missing %q", key)
		}
	}
	if _, ok := doc["errors"]; ok {
		t.Errorf("errors present for a clean take: %v", doc["errors"])
	}

	thumb, err := base64.StdEncoding.DecodeString(doc["jpeg_thumbnail"].(string))
	if err != nil {
		t.Fatalf("thumbnail is not base64: %v", err)
	}
	if len(thumb) < 2 || thumb[0] != 0xFF || thumb[1] != 0xD8 {
		t.Error("thumbnail is not a JPEG")
	}
}

func TestSinkFailureDoesNotBlockOthers(t *testing.T) {
	boom := errors.New("disk gone")
	rig := newTestRig(t, &fakeSink{closeErr: boom}, &fakeSink{})

	rig.cam.StartRecording([]string{"unused"}, false, 0)
	rig.ingest(10)
	doc, err := rig.cam.StopRecording()

	if !errors.Is(err, boom) {
		t.Errorf("StopRecording() error=%v, want %v", err, boom)
	}
	if rig.sinks[1].closed != 1 {
		t.Error("healthy sink not closed")
	}
	if msgs, _ := doc["errors"].([]string); len(msgs) != 1 {
		t.Errorf("errors=%v, want one entry", doc["errors"])
	}
	if rig.cam.Recording() {
		t.Error("Recording() still true")
	}
}

func TestStopCaptureStopsRecording(t *testing.T) {
	rig := newTestRig(t)
	rig.cam.StartRecording([]string{"unused"}, false, 0)

	if err := rig.cam.StopCapture(); err != nil {
		t.Fatalf("StopCapture() failed: %v", err)
	}
	if rig.cam.Recording() || rig.cam.Capturing() {
		t.Error("camera still recording or capturing")
	}
	if rig.sinks[0].closed != 1 {
		t.Error("sink not closed by StopCapture")
	}
}

func TestStringStatusLine(t *testing.T) {
	rig := newTestRig(t)
	rig.cam.SetIdentity("Mono", "1.2")

	want := "Camera Mono/cam0 16x16 rate:25fps current:0.00 C:Y R:N 1.2"
	if got := rig.cam.String(); got != want {
		t.Errorf("String()=%q, want %q", got, want)
	}
}
