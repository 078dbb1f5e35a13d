package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/procrelay/procrelay/internal/client"
)

// statusBar renders the connection line at the top of the dashboard.
type statusBar struct {
	Width    int
	Conn     client.Status
	Upstream bool
	Online   int
	Total    int
	Focus    string
}

func (m statusBar) connLabel() (string, lipgloss.Color) {
	switch m.Conn.Phase {
	case client.PhaseOpen:
		return "● connected", ColorHealthy
	case client.PhaseGaveUp:
		return "○ disconnected, press r to retry", ColorDanger
	case client.PhaseClosed:
		return "○ closed", ColorDimmed
	}
	if m.Conn.Attempt == 0 {
		return "○ connecting...", ColorWarning
	}
	return fmt.Sprintf("○ reconnecting (%d/%d)", m.Conn.Attempt, m.Conn.MaxAttempts), ColorWarning
}

func (m statusBar) View() string {
	width := max(m.Width, 40)

	label, color := m.connLabel()
	connStr := lipgloss.NewStyle().Foreground(color).Render(label)

	upStr := lipgloss.NewStyle().Foreground(ColorHealthy).Render("daemon up")
	if !m.Upstream {
		upStr = lipgloss.NewStyle().Foreground(ColorDanger).Render("daemon down")
	}

	counts := fmt.Sprintf("%d/%d online", m.Online, m.Total)
	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	content := connStr + sep + upStr + sep + counts + sep + "logs: " + m.Focus

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}
