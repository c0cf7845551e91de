// internal/tui/update.go
package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logViewport.Width = msg.Width
		if h := msg.Height - 16; h > 3 {
			m.logViewport.Height = h
		}

	case tickMsg:
		m.currentTime = time.Time(msg)
		m.refresh()
		return m, timeTickCmd()

	case recordingStoppedMsg:
		m.stopping = false
		if msg.err != nil {
			m.status = fmt.Sprintf("Error stopping recording: %v", msg.err)
		} else {
			m.status = fmt.Sprintf("Recording stopped, %d summaries", len(msg.docs))
		}
		m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "1":
			m.activeTab = camerasTab
		case "2":
			m.activeTab = serverTab
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabType(len(m.tabs))

		case "r":
			return m.toggleRecording()

		case "h":
			m.ctrl.RemoveRecordingHoldAll()
			m.status = "Recording hold released"

		case "w":
			m.waitTrigger = !m.waitTrigger
			m.status = fmt.Sprintf("Wait for trigger: %v", m.waitTrigger)

		case "m":
			m.previewMode = m.previewMode.Next()
			m.ctrl.SetPreviewModeAll(m.previewMode)
			m.status = "Preview mode: " + m.previewMode.String()

		case "v":
			m.verbosity = (m.verbosity + 1) % (VerbosityDebug + 1)
			m.status = "Log verbosity: " + m.verbosity.String()
			m.refresh()

		case "up", "down", "pgup", "pgdown":
			var cmd tea.Cmd
			m.logViewport, cmd = m.logViewport.Update(msg)
			return m, cmd
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.logViewport, cmd = m.logViewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

// toggleRecording starts a take synchronously. Stopping waits on the sinks
// so it runs as a command and reports back with recordingStoppedMsg.
func (m Model) toggleRecording() (tea.Model, tea.Cmd) {
	if m.stopping {
		return m, nil
	}
	if m.ctrl.Recording() {
		m.stopping = true
		m.status = "Stopping recording..."
		ctrl := m.ctrl
		return m, func() tea.Msg {
			docs, err := ctrl.StopRecordingAll()
			return recordingStoppedMsg{docs: docs, err: err}
		}
	}

	if err := m.ctrl.StartRecordingAll(nil, m.waitTrigger, m.info.FrameLimit); err != nil {
		m.status = fmt.Sprintf("Error starting recording: %v", err)
	} else if m.waitTrigger {
		m.status = "Recording armed, waiting for trigger"
	} else {
		m.status = "Recording"
	}
	m.refresh()
	return m, nil
}
