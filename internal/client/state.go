// Package client is the consuming side of the relay: a pure reducer that
// folds domain events into a local view, a reconnecting websocket client that
// feeds it, and an HTTP client for backfill.
package client

import (
	"slices"
	"time"

	"github.com/procrelay/procrelay/internal/event"
)

// Default bounds for client-side projections.
const (
	DefaultMaxLogs   = 1000
	DefaultMaxEvents = 50
	dedupeWindow     = 256
)

// State is the client's projection of the relay. Values are treated as
// immutable; Reduce returns a new State and never modifies its input.
type State struct {
	Processes   []event.Process
	ProcessesAt time.Time
	Logs        []event.LogEntry
	Events      []event.ProcessLifecycle

	Connected         bool
	UpstreamConnected bool
	LastError         string

	MaxLogs   int
	MaxEvents int
}

func NewState() State {
	return State{MaxLogs: DefaultMaxLogs, MaxEvents: DefaultMaxEvents}
}

// Process returns the row for id from the latest snapshot.
func (s State) Process(id int) (event.Process, bool) {
	i, ok := slices.BinarySearchFunc(s.Processes, id, func(p event.Process, id int) int { return p.ID - id })
	if !ok {
		return event.Process{}, false
	}
	return s.Processes[i], true
}

// LogsFor returns buffered lines for one process in arrival order.
func (s State) LogsFor(id int) []event.LogEntry {
	var out []event.LogEntry
	for _, e := range s.Logs {
		if e.ProcessID == id {
			out = append(out, e)
		}
	}
	return out
}

// Reduce applies e to s. Snapshots replace the process table outright, so
// applying the same snapshot twice is the same as applying it once.
func Reduce(s State, e event.Event) State {
	r := reducer{s: s}
	e.Accept(&r)
	return r.s
}

// Backfill merges an HTTP snapshot and recent logs fetched after (re)connect.
// Log entries already held are skipped, and a process list older than the
// one already held is ignored.
func Backfill(s State, procs []event.Process, at time.Time, logs []event.LogEntry) State {
	if procs != nil && !at.IsZero() && !at.Before(s.ProcessesAt) {
		s = Reduce(s, event.NewProcessListSnapshot(procs, at))
	}
	if len(logs) == 0 {
		return s
	}
	have := make(map[string]struct{}, len(s.Logs))
	for _, e := range s.Logs {
		have[e.ID] = struct{}{}
	}
	merged := slices.Clone(s.Logs)
	for _, e := range logs {
		if _, dup := have[e.ID]; dup {
			continue
		}
		merged = append(merged, e)
	}
	slices.SortStableFunc(merged, func(a, b event.LogEntry) int { return a.Timestamp.Compare(b.Timestamp) })
	s.Logs = trimHead(merged, s.maxLogs())
	return s
}

func (s State) maxLogs() int {
	if s.MaxLogs <= 0 {
		return DefaultMaxLogs
	}
	return s.MaxLogs
}

func (s State) maxEvents() int {
	if s.MaxEvents <= 0 {
		return DefaultMaxEvents
	}
	return s.MaxEvents
}

func trimHead[T any](xs []T, max int) []T {
	if len(xs) > max {
		return xs[len(xs)-max:]
	}
	return xs
}

type reducer struct {
	s State
}

func (r *reducer) VisitProcessListSnapshot(e event.ProcessListSnapshot) {
	procs := e.Processes()
	slices.SortFunc(procs, func(a, b event.Process) int { return a.ID - b.ID })
	r.s.Processes = procs
	r.s.ProcessesAt = e.EmittedAt()
}

func (r *reducer) VisitProcessLifecycle(e event.ProcessLifecycle) {
	events := append(slices.Clip(r.s.Events), e)
	r.s.Events = trimHead(events, r.s.maxEvents())

	status, ok := statusAfter(e.Event)
	if !ok {
		return
	}
	i, found := slices.BinarySearchFunc(r.s.Processes, e.ProcessID, func(p event.Process, id int) int { return p.ID - id })
	if !found {
		return
	}
	procs := slices.Clone(r.s.Processes)
	procs[i].Status = status
	r.s.Processes = procs
}

func (r *reducer) VisitLogLine(e event.LogLine) {
	tail := r.s.Logs[max(0, len(r.s.Logs)-dedupeWindow):]
	for _, have := range tail {
		if have.ID == e.Entry.ID {
			return
		}
	}
	logs := append(slices.Clip(r.s.Logs), e.Entry)
	r.s.Logs = trimHead(logs, r.s.maxLogs())
}

func (r *reducer) VisitConnectionStatus(e event.ConnectionStatus) {
	r.s.Connected = e.Connected
	r.s.UpstreamConnected = e.UpstreamConnected
}

func (r *reducer) VisitError(e event.Error) {
	r.s.LastError = e.Message
	if e.Code != "" {
		r.s.LastError = e.Code + ": " + e.Message
	}
}

// statusAfter is the status a lifecycle transition implies until the next
// snapshot arrives.
func statusAfter(l event.Lifecycle) (event.ProcessStatus, bool) {
	switch l {
	case event.LifecycleOnline:
		return event.StatusOnline, true
	case event.LifecycleStopped, event.LifecycleExit:
		return event.StatusStopped, true
	case event.LifecycleErrored:
		return event.StatusErrored, true
	case event.LifecycleRestart:
		return event.StatusLaunching, true
	}
	return "", false
}
