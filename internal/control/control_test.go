package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AlverezYari/captureframe/internal/config"
	"github.com/AlverezYari/captureframe/pkg/camera"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

// fakeClient records publishes and keeps the subscribed handler. Methods not
// overridden panic through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	messages  []published
	handler   mqtt.MessageHandler
	subscribe string
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte)})
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribe, c.handler = topic, cb
	return fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return fakeToken{} }

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeNode struct {
	started   [][]string
	wait      bool
	limit     int
	released  int
	mode      camera.PreviewMode
	startErr  error
	summaries map[string]recorder.Document
}

func (n *fakeNode) StartRecordingAll(folders []string, wait bool, limit int) error {
	n.started = append(n.started, folders)
	n.wait, n.limit = wait, limit
	return n.startErr
}
func (n *fakeNode) StopRecordingAll() (map[string]recorder.Document, error) {
	return n.summaries, nil
}
func (n *fakeNode) RemoveRecordingHoldAll()                   { n.released++ }
func (n *fakeNode) SetPreviewModeAll(mode camera.PreviewMode) { n.mode = mode }
func (n *fakeNode) Statuses() []camera.Status {
	return []camera.Status{{ID: "cam0", Recording: true, EffectiveFPS: 24}}
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Topics: config.MQTTTopics{
			Control: "captureframe/n1/control",
			Status:  "captureframe/n1/status",
			Summary: "captureframe/n1/summary",
		},
		QoS: 1,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleCommand(t *testing.T) {
	node := &fakeNode{summaries: map[string]recorder.Document{"cam0": {"unique_id": "cam0"}}}
	h := NewHandler(testMQTTConfig(), &fakeClient{}, node, quietLogger())

	resp := h.handleCommand(Command{Command: "start_recording", Params: map[string]any{
		"folders":          []any{"/data/a", "/data/b"},
		"wait_for_trigger": true,
		"frame_limit":      float64(100),
	}})
	if resp.Status != "success" {
		t.Fatalf("start_recording: %+v", resp)
	}
	if len(node.started) != 1 || len(node.started[0]) != 2 || !node.wait || node.limit != 100 {
		t.Errorf("start not forwarded: %+v", node)
	}

	if resp := h.handleCommand(Command{Command: "remove_recording_hold"}); resp.Status != "success" || node.released != 1 {
		t.Errorf("remove_recording_hold: %+v released=%d", resp, node.released)
	}

	if resp := h.handleCommand(Command{Command: "set_preview_mode", Params: map[string]any{"mode": "focus_peak"}}); resp.Status != "success" {
		t.Errorf("set_preview_mode: %+v", resp)
	}
	if node.mode != camera.ModeFocusPeak {
		t.Errorf("mode=%v, want focus_peak", node.mode)
	}

	resp = h.handleCommand(Command{Command: "stop_recording"})
	if docs, _ := resp.Data["summaries"].(map[string]recorder.Document); docs["cam0"] == nil {
		t.Errorf("stop_recording data=%v", resp.Data)
	}

	resp = h.handleCommand(Command{Command: "get_status"})
	if cams, _ := resp.Data["cameras"].([]map[string]any); len(cams) != 1 || cams[0]["recording"] != true {
		t.Errorf("get_status data=%v", resp.Data)
	}
}

func TestHandleCommandErrors(t *testing.T) {
	node := &fakeNode{startErr: camera.ErrNotCapturing}
	h := NewHandler(testMQTTConfig(), &fakeClient{}, node, quietLogger())

	tests := []Command{
		{Command: "start_recording"},
		{Command: "start_recording", Params: map[string]any{"folders": "not-a-list"}},
		{Command: "set_preview_mode", Params: map[string]any{"mode": "sepia"}},
		{Command: "set_preview_mode"},
		{Command: "self_destruct"},
	}
	for _, cmd := range tests {
		if resp := h.handleCommand(cmd); resp.Status != "error" || resp.Error == "" {
			t.Errorf("%s %v: %+v, want error", cmd.Command, cmd.Params, resp)
		}
	}
}

func TestControlTopicRoundTrip(t *testing.T) {
	client := &fakeClient{}
	node := &fakeNode{}
	h := NewHandler(testMQTTConfig(), client, node, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if client.subscribe != "captureframe/n1/control" {
		t.Errorf("subscribed to %q", client.subscribe)
	}

	client.handler(client, fakeMessage{payload: []byte(`{"command":"remove_recording_hold"}`)})
	client.handler(client, fakeMessage{payload: []byte(`not json`)})

	deadline := time.Now().Add(2 * time.Second)
	for len(client.sent()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("responses=%d, want 2", len(client.sent()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	acks := map[string]string{}
	for _, msg := range client.sent() {
		if msg.topic != "captureframe/n1/status" {
			t.Errorf("response on %q", msg.topic)
		}
		var resp Response
		if err := json.Unmarshal(msg.payload, &resp); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
		acks[resp.CommandAck] = resp.Status
	}
	if acks["remove_recording_hold"] != "success" || acks["unknown"] != "error" {
		t.Errorf("acks=%v", acks)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

func TestSummaryPublisher(t *testing.T) {
	client := &fakeClient{}
	p := NewSummaryPublisher(testMQTTConfig(), client, quietLogger())

	p.Publish("cam0", recorder.Document{
		"unique_id": "cam0",
		"camera":    recorder.Document{"error_trigger_timeout": false},
	})

	sent := client.sent()
	if len(sent) != 1 || sent[0].topic != "captureframe/n1/summary/cam0" {
		t.Fatalf("sent=%v", sent)
	}
	var doc map[string]any
	if err := json.Unmarshal(sent[0].payload, &doc); err != nil || doc["unique_id"] != "cam0" {
		t.Errorf("payload=%s, %v", sent[0].payload, err)
	}
}

func TestPublishJSONReportsTokenError(t *testing.T) {
	boom := errors.New("broker gone")
	client := &erroringClient{err: boom}
	if err := publishJSON(client, "t", 0, map[string]int{"a": 1}); !errors.Is(err, boom) {
		t.Errorf("publishJSON() error=%v, want %v", err, boom)
	}
}

type erroringClient struct {
	mqtt.Client
	err error
}

func (c *erroringClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return fakeToken{err: c.err}
}
