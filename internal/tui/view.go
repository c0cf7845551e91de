// internal/tui/view.go
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Style definitions
var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("250")).
			Padding(0, 1)

	mainContentStyle = lipgloss.NewStyle().
				Padding(1, 0)

	tabStyle = lipgloss.NewStyle().
			Padding(0, 1)

	activeTabStyle = tabStyle.
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	logTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// View renders the UI
func (m Model) View() string {
	timeStr := m.currentTime.Format("Mon Jan 2 15:04:05 2006")
	title := "captureframe " + m.info.NodeID

	headerContent := lipgloss.JoinHorizontal(
		lipgloss.Center,
		title,
		lipgloss.NewStyle().
			Width(max(m.width-len(title)-2, 0)).
			Align(lipgloss.Right).
			Render(timeStr),
	)
	header := headerStyle.Width(m.width).Render(headerContent)

	tabs := m.renderTabs()
	mainContent := mainContentStyle.Render(m.renderActiveTabContent())

	logs := logTitleStyle.Render(fmt.Sprintf("Logs (%s, v to change)", m.verbosity)) +
		"\n" + m.logViewport.View()

	statusBar := statusBarStyle.Width(m.width).Render(
		fmt.Sprintf("Status: %s | r rec  h hold  w trigger  m preview  tab views  q quit", m.status),
	)

	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s", header, tabs, mainContent, logs, statusBar)
}

// Helper function to render tabs
func (m Model) renderTabs() string {
	var renderedTabs []string

	for _, t := range m.tabs {
		style := tabStyle
		if t.id == m.activeTab {
			style = activeTabStyle
		}
		renderedTabs = append(renderedTabs, style.Render(t.title))
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		renderedTabs...,
	)
}

// Helper function to render active tab content
func (m Model) renderActiveTabContent() string {
	switch m.activeTab {
	case camerasTab:
		if len(m.statuses) == 0 {
			return "No cameras configured"
		}
		return m.cameras.View() + fmt.Sprintf("\nNext take: wait for trigger %s, frame limit %s",
			yesNo(m.waitTrigger), frameLimit(m.info.FrameLimit))

	case serverTab:
		var content strings.Builder
		fmt.Fprintf(&content, "Preview Server:\n"+
			"• Address: %s://%s\n"+
			"• Metrics: %s\n\n", m.info.Scheme, m.info.Address, yesNo(m.info.Metrics))

		broker := "disabled"
		if m.info.MQTTBroker != "" {
			broker = m.info.MQTTBroker
		}
		fmt.Fprintf(&content, "Control Plane:\n"+
			"• MQTT broker: %s\n\n", broker)

		fmt.Fprintf(&content, "Node:\n"+
			"• Config: %s\n"+
			"• Uptime: %s\n", m.info.ConfigPath, m.currentTime.Sub(m.startTime).Truncate(time.Second))
		return content.String()
	}
	return ""
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func frameLimit(n int) string {
	if n <= 0 {
		return "none"
	}
	return fmt.Sprint(n)
}
