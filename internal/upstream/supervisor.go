// Package upstream owns the relay's single control connection to the daemon.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/procrelay/procrelay/internal/daemon"
	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/metrics"
)

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrRetriesExhausted is wrapped in the ConnectionError returned by Reconnect
// once the attempt counter passes the configured ceiling.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Config tunes reconnect behaviour.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig returns 1s base delay, 30s cap, 10 attempts.
func DefaultConfig() Config {
	return Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock used for backoff timers.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clock = clk }
}

// Supervisor keeps at most one daemon connection open and at most one
// connection attempt in flight. Every state transition is published to
// observers in order.
type Supervisor struct {
	dialer      daemon.Dialer
	backoff     Backoff
	maxAttempts int
	clock       clock.Clock
	log         zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	flight singleflight.Group

	mu        sync.Mutex
	state     State
	conn      daemon.Conn
	attempt   int
	observers map[int]func(State)
	nextObs   int
	closed    bool

	// notifyMu is taken before mu is released so observers see transitions
	// in the order they happened.
	notifyMu sync.Mutex
}

func New(d daemon.Dialer, cfg Config, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	s := &Supervisor{
		dialer:      d,
		backoff:     Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		maxAttempts: cfg.MaxAttempts,
		clock:       clock.New(),
		log:         logging.Component("upstream"),
		observers:   make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sleep = s.clockSleep
	return s
}

func (s *Supervisor) clockSleep(ctx context.Context, d time.Duration) error {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Observe registers fn for state transitions and returns a function that
// removes it. fn runs synchronously and must not start a transition itself.
func (s *Supervisor) Observe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// setStateLocked records a transition and returns with notifyMu held and mu
// released. The caller must call the returned function.
func (s *Supervisor) setStateLocked(st State) func() {
	if s.state == st {
		s.mu.Unlock()
		return func() {}
	}
	s.state = st
	obs := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	metrics.UpstreamState.Set(float64(st))
	return func() {
		defer s.notifyMu.Unlock()
		for _, fn := range obs {
			fn(st)
		}
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of consecutive failed connection attempts.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// ResetAttempts clears the failure counter so Reconnect may keep retrying
// after reporting ErrRetriesExhausted.
func (s *Supervisor) ResetAttempts() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Conn returns the live connection, if any.
func (s *Supervisor) Conn() (daemon.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.state == Connected && s.conn != nil
}

// EnsureConnected returns the live connection, joins an attempt already in
// flight, or starts a new one. Failures are *daemon.ConnectionError.
func (s *Supervisor) EnsureConnected(ctx context.Context) (daemon.Conn, error) {
	if c, ok := s.Conn(); ok {
		return c, nil
	}
	ch := s.flight.DoChan("connect", func() (any, error) {
		return s.connect(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, &daemon.ConnectionError{Op: "connect", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(daemon.Conn), nil
	}
}

func (s *Supervisor) connect(ctx context.Context) (daemon.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &daemon.ConnectionError{Op: "connect", Err: daemon.ErrClosed}
	}
	if s.state == Connected && s.conn != nil {
		c := s.conn
		s.mu.Unlock()
		return c, nil
	}
	s.setStateLocked(Connecting)()

	conn, err := s.dialer.Dial(ctx)

	s.mu.Lock()
	if err != nil {
		s.attempt++
		attempt := s.attempt
		s.setStateLocked(Disconnected)()
		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("daemon connection attempt failed")
		if !daemon.IsConnectionError(err) {
			err = &daemon.ConnectionError{Op: "connect", Err: err}
		}
		return nil, err
	}
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, &daemon.ConnectionError{Op: "connect", Err: daemon.ErrClosed}
	}
	s.conn = conn
	s.attempt = 0
	s.setStateLocked(Connected)()
	metrics.ReconnectAttempts.WithLabelValues("success").Inc()
	s.log.Info().Msg("connected to daemon")

	go s.watch(conn)
	return conn, nil
}

// watch moves to Disconnected when conn fails on its own.
func (s *Supervisor) watch(conn daemon.Conn) {
	<-conn.Done()
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.setStateLocked(Disconnected)()
	if err := conn.Err(); err != nil && !errors.Is(err, daemon.ErrClosed) {
		s.log.Warn().Err(err).Msg("daemon connection lost")
	}
}

// Reconnect tears down any current connection, waits
// min(BaseDelay*2^attempt, MaxDelay) and tries again. Once the failure count
// exceeds MaxAttempts it returns a ConnectionError wrapping
// ErrRetriesExhausted without dialing; the caller decides whether to call
// ResetAttempts and continue.
func (s *Supervisor) Reconnect(ctx context.Context) (daemon.Conn, error) {
	s.mu.Lock()
	old := s.conn
	s.conn = nil
	attempt := s.attempt
	s.setStateLocked(Disconnected)()
	if old != nil {
		old.Close()
	}

	if attempt > s.maxAttempts {
		return nil, &daemon.ConnectionError{
			Op:  "reconnect",
			Err: fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt),
		}
	}

	delay := s.backoff.Delay(attempt)
	s.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting to daemon")
	if err := s.sleep(ctx, delay); err != nil {
		return nil, &daemon.ConnectionError{Op: "reconnect", Err: err}
	}
	return s.EnsureConnected(ctx)
}

// List fetches the process list over the current connection without
// triggering a connection attempt.
func (s *Supervisor) List(ctx context.Context) ([]event.Process, error) {
	c, ok := s.Conn()
	if !ok {
		return nil, &daemon.ConnectionError{Op: "list", Err: daemon.ErrNotConnected}
	}
	return c.List(ctx)
}

// Close drops the connection and refuses further attempts.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	old := s.conn
	s.conn = nil
	s.setStateLocked(Disconnected)()
	if old != nil {
		return old.Close()
	}
	return nil
}
