// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the companion monitor
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// NewModel creates a fresh monitor model.
func NewModel() Model {
	return Model{}
}

// Run creates the monitor TUI program; the caller starts it with
// program.Run. Feed it state with program.Send(StatusMsg{...}), which
// blocks until the program is running.
func Run() (*tea.Program, error) {
	p := tea.NewProgram(NewModel(), tea.WithAltScreen())
	return p, nil
}
