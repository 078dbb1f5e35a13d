package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/procrelay/procrelay/internal/event"
)

// Process status colors.
var (
	ColorOnline    = lipgloss.Color("#22c55e")
	ColorLaunching = lipgloss.Color("#7c3aed")
	ColorStopping  = lipgloss.Color("#d97706")
	ColorStopped   = lipgloss.Color("#4b5563")
	ColorErrored   = lipgloss.Color("#dc2626")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// Log stream colors.
var (
	ColorStdout = lipgloss.Color("#e5e7eb")
	ColorStderr = lipgloss.Color("#f87171")
	ColorDaemon = lipgloss.Color("#06b6d4")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

func StatusColor(s event.ProcessStatus) lipgloss.Color {
	switch s {
	case event.StatusOnline:
		return ColorOnline
	case event.StatusLaunching:
		return ColorLaunching
	case event.StatusStopping:
		return ColorStopping
	case event.StatusStopped:
		return ColorStopped
	case event.StatusErrored:
		return ColorErrored
	default:
		return ColorDefault
	}
}

func StatusGlyph(s event.ProcessStatus) string {
	switch s {
	case event.StatusOnline:
		return "●"
	case event.StatusLaunching:
		return "◎"
	case event.StatusStopping:
		return "◌"
	case event.StatusStopped:
		return "○"
	case event.StatusErrored:
		return "✗"
	default:
		return "·"
	}
}

func StreamColor(k event.StreamKind) lipgloss.Color {
	switch k {
	case event.StreamStderr:
		return ColorStderr
	case event.StreamDaemon:
		return ColorDaemon
	default:
		return ColorStdout
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)
)
