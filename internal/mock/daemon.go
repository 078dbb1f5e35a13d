// Package mock provides an in-process stand-in for the process daemon. It
// backs --mock mode and the relay's end-to-end tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/procrelay/procrelay/internal/daemon"
	"github.com/procrelay/procrelay/internal/event"
)

// ErrUnreachable is returned by Dial while the daemon is marked down.
var ErrUnreachable = errors.New("mock daemon unreachable")

// Daemon is a fake daemon holding a process table and fanning bus events out
// to every subscribed connection.
type Daemon struct {
	mu        sync.Mutex
	procs     []event.Process
	conns     map[*conn]struct{}
	down      bool
	dials     int
	listCalls int
	listErr   error
}

func NewDaemon(procs ...event.Process) *Daemon {
	return &Daemon{
		procs: append([]event.Process(nil), procs...),
		conns: make(map[*conn]struct{}),
	}
}

// Dial implements daemon.Dialer.
func (d *Daemon) Dial(ctx context.Context) (daemon.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &daemon.ConnectionError{Op: "dial", Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.down {
		return nil, &daemon.ConnectionError{Op: "dial", Err: ErrUnreachable}
	}
	c := &conn{d: d, done: make(chan struct{})}
	d.conns[c] = struct{}{}
	return c, nil
}

// SetDown marks the daemon unreachable and drops every live connection, or
// makes it reachable again.
func (d *Daemon) SetDown(down bool) {
	d.mu.Lock()
	d.down = down
	var drop []*conn
	if down {
		for c := range d.conns {
			drop = append(drop, c)
		}
	}
	d.mu.Unlock()
	for _, c := range drop {
		c.fail(&daemon.ConnectionError{Op: "read", Err: ErrUnreachable})
	}
}

// SetListError makes List fail with err until cleared with nil.
func (d *Daemon) SetListError(err error) {
	d.mu.Lock()
	d.listErr = err
	d.mu.Unlock()
}

// SetProcesses replaces the process table.
func (d *Daemon) SetProcesses(procs []event.Process) {
	d.mu.Lock()
	d.procs = append([]event.Process(nil), procs...)
	d.mu.Unlock()
}

// UpdateProcess applies fn to the process with the given id, if present.
func (d *Daemon) UpdateProcess(id int, fn func(p *event.Process)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.procs {
		if d.procs[i].ID == id {
			fn(&d.procs[i])
			return
		}
	}
}

// Processes returns a copy of the process table.
func (d *Daemon) Processes() []event.Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]event.Process(nil), d.procs...)
}

// Emit pushes ev to every subscribed connection.
func (d *Daemon) Emit(ev daemon.BusEvent) {
	d.mu.Lock()
	var targets []*bus
	for c := range d.conns {
		if b := c.currentBus(); b != nil {
			targets = append(targets, b)
		}
	}
	d.mu.Unlock()
	for _, b := range targets {
		b.deliver(ev)
	}
}

// Dials reports how many Dial calls were made.
func (d *Daemon) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// ListCalls reports how many List calls were made.
func (d *Daemon) ListCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listCalls
}

// Subscribers reports how many live connections have an open bus.
func (d *Daemon) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for c := range d.conns {
		if c.currentBus() != nil {
			n++
		}
	}
	return n
}

func (d *Daemon) remove(c *conn) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

type conn struct {
	d    *Daemon
	mu   sync.Mutex
	bus  *bus
	err  error
	done chan struct{}
	once sync.Once
}

func (c *conn) List(ctx context.Context) ([]event.Process, error) {
	select {
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, &daemon.ConnectionError{Op: "list", Err: ctx.Err()}
	default:
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.listCalls++
	if c.d.listErr != nil {
		return nil, c.d.listErr
	}
	return append([]event.Process(nil), c.d.procs...), nil
}

func (c *conn) Subscribe(ctx context.Context) (daemon.Bus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil, c.err
	default:
	}
	if c.bus != nil {
		return nil, errors.New("mock daemon: already subscribed")
	}
	c.bus = &bus{ch: make(chan daemon.BusEvent, 1024)}
	return c.bus, nil
}

func (c *conn) currentBus() *bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.fail(daemon.ErrClosed)
	return nil
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		b := c.bus
		close(c.done)
		c.mu.Unlock()
		if b != nil {
			b.end()
		}
		c.d.remove(c)
	})
}

type bus struct {
	mu     sync.Mutex
	ch     chan daemon.BusEvent
	ended  bool
	closed bool
}

func (b *bus) deliver(ev daemon.BusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended || b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
	}
}

// end closes the event channel because the connection went away.
func (b *bus) end() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ended {
		b.ended = true
		close(b.ch)
	}
}

func (b *bus) Events() <-chan daemon.BusEvent { return b.ch }

func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
