// Package control is the MQTT control plane of a capture node: commands in
// on the control topic, acknowledgements and status out on the status topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AlverezYari/captureframe/internal/config"
	"github.com/AlverezYari/captureframe/pkg/camera"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Controller is the node surface commands act on. *node.Node implements it.
type Controller interface {
	StartRecordingAll(folders []string, waitForTrigger bool, frameLimit int) error
	StopRecordingAll() (map[string]recorder.Document, error)
	RemoveRecordingHoldAll()
	SetPreviewModeAll(mode camera.PreviewMode)
	Statuses() []camera.Status
}

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	ctrl     Controller
	log      *slog.Logger
	commands chan Command
	clock    func() time.Time
}

func NewHandler(cfg config.MQTTConfig, client mqtt.Client, ctrl Controller, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		ctrl:     ctrl,
		log:      logger,
		commands: make(chan Command, 10),
		clock:    time.Now,
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is done.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	h.log.Info("control: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	return nil
}

func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(connectTimeout)
	}
	h.log.Info("control: handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.log.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.log.Info("control: command received", "command", cmd.Command)

	// Commands can block on sink I/O; keep the paho callback free.
	select {
	case h.commands <- cmd:
	default:
		h.log.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: "success"}
	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "start_recording":
		folders, err := stringList(cmd.Params["folders"])
		if err != nil {
			return fail(err)
		}
		wait, _ := cmd.Params["wait_for_trigger"].(bool)
		limit, _ := cmd.Params["frame_limit"].(float64)
		if err := h.ctrl.StartRecordingAll(folders, wait, int(limit)); err != nil {
			return fail(err)
		}
		resp.Data = map[string]any{"recording": true, "wait_for_trigger": wait, "frame_limit": int(limit)}

	case "stop_recording":
		docs, err := h.ctrl.StopRecordingAll()
		resp.Data = map[string]any{"summaries": docs}
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		}

	case "remove_recording_hold":
		h.ctrl.RemoveRecordingHoldAll()

	case "set_preview_mode":
		name, ok := cmd.Params["mode"].(string)
		if !ok {
			return fail(fmt.Errorf("missing or invalid 'mode' parameter (expected string)"))
		}
		mode, err := camera.ParsePreviewMode(name)
		if err != nil {
			return fail(err)
		}
		h.ctrl.SetPreviewModeAll(mode)
		resp.Data = map[string]any{"mode": mode.String()}

	case "get_status":
		resp.Data = map[string]any{"cameras": statusData(h.ctrl.Statuses())}

	default:
		return fail(fmt.Errorf("unknown command %q", cmd.Command))
	}
	return resp
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("invalid 'folders' parameter (expected list of strings)")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("invalid 'folders' entry %v (expected string)", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func statusData(statuses []camera.Status) []map[string]any {
	out := make([]map[string]any, len(statuses))
	for i, st := range statuses {
		out[i] = map[string]any{
			"unique_id":        st.ID,
			"model":            st.Model,
			"version":          st.Version,
			"width":            st.Width,
			"height":           st.Height,
			"bit_depth":        st.BitDepth,
			"framerate":        st.Framerate,
			"effective_fps":    st.EffectiveFPS,
			"capturing":        st.Capturing,
			"recording":        st.Recording,
			"waiting":          st.Waiting,
			"trigger_timeout":  st.TriggerTimeout,
			"frames_recorded":  st.FramesRecorded,
			"encoding_buffers": st.EncodingBuffers,
			"writing_buffers":  st.WritingBuffers,
			"preview_mode":     st.PreviewMode.String(),
		}
	}
	return out
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.clock().UTC().Format(time.RFC3339)
	if err := publishJSON(h.client, h.cfg.Topics.Status, h.cfg.QoS, resp); err != nil {
		h.log.Error("control: failed to publish response", "error", err)
		return
	}
	h.log.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
