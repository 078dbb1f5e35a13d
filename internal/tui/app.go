// Package tui is a terminal dashboard over the client synchronization
// layer: a process table, a log pane and a connection status bar.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/procrelay/procrelay/internal/client"
	"github.com/procrelay/procrelay/internal/event"
)

// Client is the part of client.WSClient the dashboard drives.
type Client interface {
	Run(ctx context.Context) error
	Updates() <-chan client.Update
	Subscribe(t event.Target) error
	Retry()
}

type updateMsg struct{ u client.Update }

type closedMsg struct{}

// Model is the root Bubble Tea model.
type Model struct {
	ws     Client
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	state client.State
	conn  client.Status
	// focus is the process whose logs are shown; nil shows every process.
	focus *int

	procs  table.Model
	logs   viewport.Model
	follow bool
}

func New(ws Client) Model {
	ctx, cancel := context.WithCancel(context.Background())
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	return Model{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		keys:   DefaultKeyMap(),
		state:  client.NewState(),
		conn:   client.Status{Phase: client.PhaseConnecting, MaxAttempts: client.DefaultConfig("").MaxAttempts},
		procs:  t,
		logs:   viewport.New(80, 10),
		follow: true,
	}
}

// Init starts the websocket client and the first read from its updates.
func (m Model) Init() tea.Cmd {
	ws, ctx := m.ws, m.ctx
	run := func() tea.Msg {
		ws.Run(ctx)
		return nil
	}
	return tea.Batch(run, m.waitForUpdate())
}

func (m Model) waitForUpdate() tea.Cmd {
	updates := m.ws.Updates()
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return updateMsg{u}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case updateMsg:
		m.apply(msg.u)
		return m, m.waitForUpdate()

	case closedMsg:
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(u client.Update) {
	switch u := u.(type) {
	case client.StatusUpdate:
		m.conn = u.Status
		if u.Status.Phase != client.PhaseOpen {
			m.state.Connected = false
		}
		return
	case client.EventUpdate:
		m.state = client.Reduce(m.state, u.Event)
	case client.BackfillUpdate:
		m.state = client.Backfill(m.state, u.Processes, u.At, u.Logs)
	}
	m.refresh()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Retry):
		if m.conn.Phase == client.PhaseGaveUp {
			m.ws.Retry()
		}
		return m, nil

	case key.Matches(msg, m.keys.Focus):
		p, ok := m.selected()
		if !ok {
			return m, nil
		}
		id := p.ID
		m.focus = &id
		// Resetting to all first makes the next subscribe narrow to one id.
		m.ws.Subscribe(event.AllProcesses)
		m.ws.Subscribe(event.ProcessTarget(id))
		m.follow = true
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.All):
		m.focus = nil
		m.ws.Subscribe(event.AllProcesses)
		m.follow = true
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.LogsUp):
		m.logs, _ = m.logs.Update(tea.KeyMsg{Type: tea.KeyPgUp})
		m.follow = false
		return m, nil

	case key.Matches(msg, m.keys.LogsDown):
		m.logs, _ = m.logs.Update(tea.KeyMsg{Type: tea.KeyPgDown})
		m.follow = m.logs.AtBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.procs, cmd = m.procs.Update(msg)
	return m, cmd
}

func (m Model) selected() (event.Process, bool) {
	row := m.procs.SelectedRow()
	if row == nil {
		return event.Process{}, false
	}
	id, err := strconv.Atoi(row[0])
	if err != nil {
		return event.Process{}, false
	}
	return m.state.Process(id)
}

// refresh rebuilds the table rows and log pane from state.
func (m *Model) refresh() {
	rows := make([]table.Row, 0, len(m.state.Processes))
	for _, p := range m.state.Processes {
		rows = append(rows, table.Row{
			strconv.Itoa(p.ID),
			p.Name,
			StatusGlyph(p.Status) + " " + string(p.Status),
			strconv.Itoa(p.PID),
			fmt.Sprintf("%.1f%%", p.CPU),
			formatBytes(p.Memory),
			strconv.Itoa(p.Restarts),
		})
	}
	m.procs.SetRows(rows)
	switch {
	case len(rows) == 0:
	case m.procs.Cursor() < 0:
		// An empty table leaves the cursor at -1.
		m.procs.SetCursor(0)
	case m.procs.Cursor() >= len(rows):
		m.procs.SetCursor(len(rows) - 1)
	}

	entries := m.state.Logs
	if m.focus != nil {
		entries = m.state.LogsFor(*m.focus)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, renderLogLine(e))
	}
	m.logs.SetContent(strings.Join(lines, "\n"))
	if m.follow {
		m.logs.GotoBottom()
	}
}

func renderLogLine(e event.LogEntry) string {
	ts := StyleDimmed.Render(e.Timestamp.Format("15:04:05"))
	name := lipgloss.NewStyle().Foreground(ColorDaemon).Render(e.ProcessName)
	if e.ProcessID == event.DaemonProcessID {
		name = lipgloss.NewStyle().Foreground(ColorWarning).Render(e.ProcessName)
	}
	msg := lipgloss.NewStyle().Foreground(StreamColor(e.Stream)).Render(e.Message)
	return ts + " " + name + " " + msg
}

func (m *Model) layout() {
	w := max(m.width, 40)
	m.procs.SetColumns(columns(w))
	m.procs.SetWidth(w)
	tableH := max(m.height/3, 4)
	m.procs.SetHeight(tableH)
	m.logs.Width = w
	// status bar (3) + table + borders + help line
	m.logs.Height = max(m.height-tableH-8, 3)
	m.refresh()
}

func columns(width int) []table.Column {
	name := max(width-60, 12)
	return []table.Column{
		{Title: "ID", Width: 4},
		{Title: "Name", Width: name},
		{Title: "Status", Width: 12},
		{Title: "PID", Width: 8},
		{Title: "CPU", Width: 7},
		{Title: "Mem", Width: 9},
		{Title: "↺", Width: 4},
	}
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	online := 0
	for _, p := range m.state.Processes {
		if p.Status == event.StatusOnline {
			online++
		}
	}
	focus := "all"
	if m.focus != nil {
		focus = strconv.Itoa(*m.focus)
		if p, ok := m.state.Process(*m.focus); ok {
			focus = p.Name
		}
	}
	bar := statusBar{
		Width:    m.width,
		Conn:     m.conn,
		Upstream: m.state.UpstreamConnected,
		Online:   online,
		Total:    len(m.state.Processes),
		Focus:    focus,
	}

	sections := []string{
		bar.View(),
		StyleBorder.Render(m.procs.View()),
		StyleBorder.Render(m.logs.View()),
	}
	if m.state.LastError != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(ColorDanger).Render("  "+m.state.LastError))
	}
	sections = append(sections, StyleDimmed.Render("  j/k:select  enter:follow logs  a:all logs  pgup/pgdn:scroll  r:retry  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(b)/float64(div), "KMGTPE"[exp])
}
