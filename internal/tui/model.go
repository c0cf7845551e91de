// internal/tui/model.go
package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AlverezYari/captureframe/pkg/camera"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

type tabType int

const (
	camerasTab tabType = iota
	serverTab
)

type tab struct {
	title string
	id    tabType
}

// Logging Setup

type Verbosity int

const (
	VerbosityError Verbosity = iota
	VerbosityInfo
	VerbosityDebug
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityError:
		return "error"
	case VerbosityDebug:
		return "debug"
	}
	return "info"
}

type logEntry struct {
	level   string
	message string
}

// LogBuffer collects log records from any goroutine for the log viewport.
// Its Callback method matches logging.Callback.
type LogBuffer struct {
	mu      sync.Mutex
	entries []logEntry
	max     int
}

func NewLogBuffer(max int) *LogBuffer {
	return &LogBuffer{max: max}
}

func (b *LogBuffer) Callback(level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, logEntry{level: level, message: message})
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

func (b *LogBuffer) snapshot() []logEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]logEntry(nil), b.entries...)
}

func shouldShowLog(v Verbosity, level string) bool {
	switch v {
	case VerbosityDebug:
		return true
	case VerbosityInfo:
		return level != "DEBUG"
	case VerbosityError:
		return level == "ERROR"
	default:
		return false
	}
}

// Controller is the node surface the dashboard drives. *node.Node
// implements it.
type Controller interface {
	Statuses() []camera.Status
	Recording() bool
	StartRecordingAll(folders []string, waitForTrigger bool, frameLimit int) error
	StopRecordingAll() (map[string]recorder.Document, error)
	RemoveRecordingHoldAll()
	SetPreviewModeAll(mode camera.PreviewMode)
}

// Info describes the surrounding process for the server tab.
type Info struct {
	NodeID      string
	Address     string
	Scheme      string
	Metrics     bool
	MQTTBroker  string
	ConfigPath  string
	FrameLimit  int
	WaitTrigger bool
}

// Msg types
type tickMsg time.Time

type recordingStoppedMsg struct {
	docs map[string]recorder.Document
	err  error
}

// Model holds our application state
type Model struct {
	ctrl        Controller
	info        Info
	width       int
	height      int
	status      string
	startTime   time.Time
	currentTime time.Time
	activeTab   tabType
	tabs        []tab
	cameras     table.Model
	statuses    []camera.Status
	logViewport viewport.Model
	logs        *LogBuffer
	verbosity   Verbosity
	previewMode camera.PreviewMode
	waitTrigger bool
	stopping    bool
}

// New returns a Model with initial state
func New(ctrl Controller, info Info, logs *LogBuffer) Model {
	now := time.Now()
	if logs == nil {
		logs = NewLogBuffer(1000)
	}

	m := Model{
		ctrl:        ctrl,
		info:        info,
		status:      "Capturing",
		startTime:   now,
		currentTime: now,
		activeTab:   camerasTab,
		tabs: []tab{
			{title: "Cameras", id: camerasTab},
			{title: "Server", id: serverTab},
		},
		cameras: table.New(
			table.WithColumns(cameraColumns),
			table.WithHeight(6),
		),
		logViewport: func() viewport.Model {
			vp := viewport.New(0, 10)
			vp.MouseWheelEnabled = true
			vp.YPosition = 0
			return vp
		}(),
		logs:        logs,
		verbosity:   VerbosityInfo,
		waitTrigger: info.WaitTrigger,
	}
	m.refresh()
	return m
}

// Init runs any initial IO
func (m Model) Init() tea.Cmd {
	return timeTickCmd()
}

var cameraColumns = []table.Column{
	{Title: "Camera", Width: 12},
	{Title: "Model", Width: 12},
	{Title: "Size", Width: 10},
	{Title: "FPS", Width: 8},
	{Title: "State", Width: 10},
	{Title: "Frames", Width: 8},
	{Title: "Enc/Wr", Width: 8},
	{Title: "Preview", Width: 10},
}

// refresh pulls camera status and log lines into the widgets.
func (m *Model) refresh() {
	m.statuses = m.ctrl.Statuses()
	rows := make([]table.Row, len(m.statuses))
	for i, st := range m.statuses {
		rows[i] = table.Row{
			st.ID,
			st.Model,
			fmt.Sprintf("%dx%d", st.Width, st.Height),
			fmt.Sprintf("%.1f", st.EffectiveFPS),
			cameraState(st),
			fmt.Sprintf("%d", st.FramesRecorded),
			fmt.Sprintf("%d/%d", st.EncodingBuffers, st.WritingBuffers),
			st.PreviewMode.String(),
		}
	}
	m.cameras.SetRows(rows)

	var lines []string
	for _, e := range m.logs.snapshot() {
		if shouldShowLog(m.verbosity, e.level) {
			lines = append(lines, fmt.Sprintf("[%s] %s", e.level, e.message))
		}
	}
	m.logViewport.SetContent(strings.Join(lines, "\n"))
	m.logViewport.GotoBottom()
}

func cameraState(st camera.Status) string {
	switch {
	case !st.Capturing:
		return "idle"
	case st.Waiting:
		return "waiting"
	case st.Recording && st.TriggerTimeout:
		return "rec (t/o)"
	case st.Recording:
		return "recording"
	}
	return "live"
}

// Helper command for time updates
func timeTickCmd() tea.Cmd {
	return tea.Every(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
