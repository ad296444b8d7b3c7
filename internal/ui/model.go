// ABOUTME: Bubbletea model for the companion sync monitor TUI
// ABOUTME: Shows wall-clock sync, CII state and timeline position
package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Model is the TUI state for the companion monitor.
type Model struct {
	// Connection
	connected  bool
	serverName string

	// Wall clock sync
	dispersionMillis float64
	offsetMillis     float64
	adjustments      int64

	// CII state
	contentID          string
	presentationStatus string
	tsURL              string
	wcURL              string

	// Timeline
	timelineAvailable bool
	timelineSelector  string
	timelineSpeed     float64
	timelinePosSecs   float64

	showDebug bool
	width     int
	height    int
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
	faintStyle = lipgloss.NewStyle().Faint(true)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := titleStyle.Render("Companion Sync Monitor") + "\n\n"
	s += m.renderConnection()
	s += m.renderWallClock()
	s += m.renderCII()
	s += m.renderTimeline()
	if m.showDebug {
		s += m.renderDebug()
	}
	s += "\n" + faintStyle.Render("d:Debug  q:Quit") + "\n"
	return s
}

func (m Model) renderConnection() string {
	status := "Disconnected"
	if m.connected {
		status = fmt.Sprintf("Connected to %s", m.serverName)
	}
	return headerStyle.Render("Connection: ") + valueStyle.Render(status) + "\n"
}

func (m Model) renderWallClock() string {
	sync := "not yet synchronised"
	if m.adjustments > 0 {
		sync = fmt.Sprintf("offset %+.3fms  dispersion ±%.3fms  adjustments %d",
			m.offsetMillis, m.dispersionMillis, m.adjustments)
	}
	return headerStyle.Render("Wall clock: ") + valueStyle.Render(sync) + "\n"
}

func (m Model) renderCII() string {
	if m.contentID == "" {
		return headerStyle.Render("Content:    ") + valueStyle.Render("(none)") + "\n"
	}
	s := headerStyle.Render("Content:    ") + valueStyle.Render(m.contentID)
	if m.presentationStatus != "" {
		s += valueStyle.Render(fmt.Sprintf("  [%s]", m.presentationStatus))
	}
	return s + "\n"
}

func (m Model) renderTimeline() string {
	if !m.timelineAvailable {
		return headerStyle.Render("Timeline:   ") + valueStyle.Render("unavailable") + "\n"
	}
	return headerStyle.Render("Timeline:   ") + valueStyle.Render(
		fmt.Sprintf("%s  pos %.3fs  speed x%.2f", m.timelineSelector, m.timelinePosSecs, m.timelineSpeed)) + "\n"
}

func (m Model) renderDebug() string {
	return faintStyle.Render(fmt.Sprintf("\nDEBUG: wcUrl=%s tsUrl=%s", m.wcURL, m.tsURL)) + "\n"
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}
	return m, nil
}

func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
	if msg.Adjustments != 0 {
		m.adjustments = msg.Adjustments
		m.offsetMillis = msg.OffsetMillis
		m.dispersionMillis = msg.DispersionMillis
	}
	if msg.ContentID != "" {
		m.contentID = msg.ContentID
	}
	if msg.PresentationStatus != "" {
		m.presentationStatus = msg.PresentationStatus
	}
	if msg.TsURL != "" {
		m.tsURL = msg.TsURL
	}
	if msg.WcURL != "" {
		m.wcURL = msg.WcURL
	}
	if msg.TimelineSelector != "" {
		m.timelineSelector = msg.TimelineSelector
	}
	if msg.TimelineAvailable != nil {
		m.timelineAvailable = *msg.TimelineAvailable
	}
	if m.timelineAvailable {
		m.timelineSpeed = msg.TimelineSpeed
		m.timelinePosSecs = msg.TimelinePosSecs
	}
}

// StatusMsg updates the monitor state. Zero-valued fields leave the
// corresponding state untouched, except that OffsetMillis and
// DispersionMillis are applied whenever Adjustments is non-zero, and
// TimelineSpeed and TimelinePosSecs whenever the timeline is available.
type StatusMsg struct {
	Connected          *bool
	ServerName         string
	OffsetMillis       float64
	DispersionMillis   float64
	Adjustments        int64
	ContentID          string
	PresentationStatus string
	TsURL              string
	WcURL              string
	TimelineAvailable  *bool
	TimelineSelector   string
	TimelineSpeed      float64
	TimelinePosSecs    float64
}
