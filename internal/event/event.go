// Package event defines the domain events exchanged by every stage of the
// relay and their downstream wire encoding.
//
// Event is a closed sum type: the five implementations in this package are the
// only ones (the interface has an unexported method). Consumers that must
// handle every kind implement Visitor, which the compiler checks for
// completeness; adding a kind adds a Visitor method and breaks every consumer
// that has not been updated.
package event

import (
	"time"
)

// Kind is the wire "type" tag of a server-to-client message.
type Kind string

const (
	KindProcessListSnapshot Kind = "PROCESS_LIST_UPDATE"
	KindProcessLifecycle    Kind = "PROCESS_EVENT"
	KindLogLine             Kind = "LOG_MESSAGE"
	KindConnectionStatus    Kind = "CONNECTION_STATUS"
	KindError               Kind = "ERROR"
)

// Event is an immutable domain event.
type Event interface {
	Kind() Kind
	// EmittedAt is assigned when the event is constructed by the relay, not
	// when the underlying fact happened upstream.
	EmittedAt() time.Time
	// Accept calls the Visitor method matching the concrete kind.
	Accept(v Visitor)

	payload() any
}

// Visitor handles every event kind.
type Visitor interface {
	VisitProcessListSnapshot(ProcessListSnapshot)
	VisitProcessLifecycle(ProcessLifecycle)
	VisitLogLine(LogLine)
	VisitConnectionStatus(ConnectionStatus)
	VisitError(Error)
}

// ProcessStatus is the daemon-reported status of a process.
type ProcessStatus string

const (
	StatusOnline    ProcessStatus = "online"
	StatusStopping  ProcessStatus = "stopping"
	StatusStopped   ProcessStatus = "stopped"
	StatusLaunching ProcessStatus = "launching"
	StatusErrored   ProcessStatus = "errored"
)

// Process is one row of a full process-list snapshot.
type Process struct {
	ID       int           `json:"id"`
	Name     string        `json:"name"`
	PID      int           `json:"pid"`
	Status   ProcessStatus `json:"status"`
	CPU      float64       `json:"cpu"`
	Memory   uint64        `json:"memory"`
	Uptime   int64         `json:"uptime,omitempty"` // unix ms of last start
	Restarts int           `json:"restarts"`
	Exec     string        `json:"exec,omitempty"`
	Cwd      string        `json:"cwd,omitempty"`
}

// Lifecycle names a process lifecycle transition reported by the daemon.
type Lifecycle string

const (
	LifecycleOnline  Lifecycle = "online"
	LifecycleStopped Lifecycle = "stopped"
	LifecycleErrored Lifecycle = "errored"
	LifecycleRestart Lifecycle = "restart"
	LifecycleExit    Lifecycle = "exit"
)

// StreamKind identifies which stream a log line was read from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamDaemon StreamKind = "daemon"
)

// DaemonProcessID is the process id of daemon-internal log lines that carry
// no process.
const DaemonProcessID = -1

// LogEntry is one ingested log line. Entries are never mutated after
// ingestion.
type LogEntry struct {
	ID          string     `json:"id"`
	ProcessID   int        `json:"processId"`
	ProcessName string     `json:"processName"`
	Stream      StreamKind `json:"type"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
}

// ProcessListSnapshot carries the full process list.
type ProcessListSnapshot struct {
	processes []Process
	at        time.Time
}

// NewProcessListSnapshot copies procs so later changes by the caller are not
// visible through the event.
func NewProcessListSnapshot(procs []Process, at time.Time) ProcessListSnapshot {
	cp := make([]Process, len(procs))
	copy(cp, procs)
	return ProcessListSnapshot{processes: cp, at: at}
}

// Processes returns a copy of the snapshot rows.
func (e ProcessListSnapshot) Processes() []Process {
	cp := make([]Process, len(e.processes))
	copy(cp, e.processes)
	return cp
}

func (e ProcessListSnapshot) Len() int             { return len(e.processes) }
func (e ProcessListSnapshot) Kind() Kind           { return KindProcessListSnapshot }
func (e ProcessListSnapshot) EmittedAt() time.Time { return e.at }
func (e ProcessListSnapshot) Accept(v Visitor)     { v.VisitProcessListSnapshot(e) }
func (e ProcessListSnapshot) payload() any {
	return snapshotData{Processes: e.processes}
}

// ProcessLifecycle is a single lifecycle transition.
type ProcessLifecycle struct {
	ProcessID   int
	ProcessName string
	Event       Lifecycle
	Timestamp   time.Time // upstream time of the transition
	at          time.Time
}

func NewProcessLifecycle(id int, name string, ev Lifecycle, ts, at time.Time) ProcessLifecycle {
	return ProcessLifecycle{ProcessID: id, ProcessName: name, Event: ev, Timestamp: ts, at: at}
}

func (e ProcessLifecycle) Kind() Kind           { return KindProcessLifecycle }
func (e ProcessLifecycle) EmittedAt() time.Time { return e.at }
func (e ProcessLifecycle) Accept(v Visitor)     { v.VisitProcessLifecycle(e) }
func (e ProcessLifecycle) payload() any {
	return lifecycleData{
		ProcessID:   e.ProcessID,
		ProcessName: e.ProcessName,
		Event:       e.Event,
		Timestamp:   e.Timestamp,
	}
}

// LogLine wraps a single LogEntry.
type LogLine struct {
	Entry LogEntry
	at    time.Time
}

func NewLogLine(entry LogEntry, at time.Time) LogLine {
	return LogLine{Entry: entry, at: at}
}

func (e LogLine) Kind() Kind           { return KindLogLine }
func (e LogLine) EmittedAt() time.Time { return e.at }
func (e LogLine) Accept(v Visitor)     { v.VisitLogLine(e) }
func (e LogLine) payload() any         { return e.Entry }

// ConnectionStatus reports the downstream session state together with the
// relay's view of the upstream daemon connection.
type ConnectionStatus struct {
	Connected         bool
	UpstreamConnected bool
	at                time.Time
}

func NewConnectionStatus(connected, upstream bool, at time.Time) ConnectionStatus {
	return ConnectionStatus{Connected: connected, UpstreamConnected: upstream, at: at}
}

func (e ConnectionStatus) Kind() Kind           { return KindConnectionStatus }
func (e ConnectionStatus) EmittedAt() time.Time { return e.at }
func (e ConnectionStatus) Accept(v Visitor)     { v.VisitConnectionStatus(e) }
func (e ConnectionStatus) payload() any {
	return statusData{Connected: e.Connected, UpstreamConnected: e.UpstreamConnected}
}

// Error is reported to a single session, never broadcast.
type Error struct {
	Message string
	Code    string
	at      time.Time
}

func NewError(message, code string, at time.Time) Error {
	return Error{Message: message, Code: code, at: at}
}

func (e Error) Kind() Kind           { return KindError }
func (e Error) EmittedAt() time.Time { return e.at }
func (e Error) Accept(v Visitor)     { v.VisitError(e) }
func (e Error) payload() any         { return errorData{Message: e.Message, Code: e.Code} }
