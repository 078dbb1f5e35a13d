package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the dashboard.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Focus    key.Binding
	All      key.Binding
	LogsUp   key.Binding
	LogsDown key.Binding
	Retry    key.Binding
	Quit     key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev process"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next process"),
		),
		Focus: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "follow logs"),
		),
		All: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "all logs"),
		),
		LogsUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "scroll logs"),
		),
		LogsDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "scroll logs"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
