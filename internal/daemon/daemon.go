// Package daemon is the relay's view of the external process supervisor.
//
// The supervisor owns ground-truth process state. The relay talks to it over
// one stateful connection that carries request/response calls (the full
// process list) and, once subscribed, a push stream of bus events (log lines
// and lifecycle transitions).
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/procrelay/procrelay/internal/event"
)

// Bus categories pushed by the daemon.
const (
	CategoryLogOut       = "log:out"
	CategoryLogErr       = "log:err"
	CategoryLogDaemon    = "log:PM2"
	CategoryProcessEvent = "process:event"
)

// Dialer opens a new control connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live control connection.
type Conn interface {
	// List returns the full process list.
	List(ctx context.Context) ([]event.Process, error)
	// Subscribe opens the push event stream. It may be called once per Conn.
	Subscribe(ctx context.Context) (Bus, error)
	// Done is closed when the connection fails or is closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Bus is the daemon's push stream for one connection.
type Bus interface {
	// Events is closed when the connection ends.
	Events() <-chan BusEvent
	// Close stops delivery; pending and future events are discarded.
	Close() error
}

// BusProcess identifies the process an event refers to.
type BusProcess struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	PID  int    `json:"pid,omitempty"`
}

// BusEvent is one raw item from the push stream. At is unix milliseconds; zero
// means the daemon did not stamp the item.
type BusEvent struct {
	Category string      `json:"category"`
	Event    string      `json:"event,omitempty"`
	Process  *BusProcess `json:"process,omitempty"`
	Data     string      `json:"data,omitempty"`
	At       int64       `json:"at,omitempty"`
}

// ErrNotConnected is returned by calls made while no connection is up.
var ErrNotConnected = errors.New("daemon: not connected")

// ErrClosed is the Err of a connection closed by its owner.
var ErrClosed = errors.New("daemon: connection closed")

// ConnectionError reports that the daemon could not be reached or that the
// connection failed mid-call. It is always treated as transient.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("daemon %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed handshake or frame from the daemon.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "daemon protocol: " + e.Msg }

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
