package client

import (
	"context"
	"errors"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/logging"
)

// Phase is the connection state of a WSClient.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	// PhaseGaveUp means the attempt ceiling was reached; only Retry resumes.
	PhaseGaveUp
	// PhaseClosed is terminal and follows an explicit disconnect.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseGaveUp:
		return "disconnected"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Status describes the client's connection.
type Status struct {
	Phase       Phase
	Attempt     int
	MaxAttempts int
	RetryIn     time.Duration
	Err         error
}

// Update is delivered on WSClient.Updates: a StatusUpdate, EventUpdate or
// BackfillUpdate.
type Update interface {
	isUpdate()
}

type StatusUpdate struct{ Status Status }

type EventUpdate struct{ Event event.Event }

// BackfillUpdate carries the HTTP sync point fetched after each open.
type BackfillUpdate struct {
	Processes []event.Process
	At        time.Time
	Logs      []event.LogEntry
}

func (StatusUpdate) isUpdate()   {}
func (EventUpdate) isUpdate()    {}
func (BackfillUpdate) isUpdate() {}

type Config struct {
	// BaseURL is the relay's HTTP root, e.g. "http://127.0.0.1:8080".
	BaseURL     string
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// BackfillLogs is how many recent lines to fetch on open; 0 disables.
	BackfillLogs int
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		BackfillLogs: 200,
	}
}

// ReconnectDelay is min(base * 1.5^attempt, max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(1.5, float64(attempt))
	if d >= float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}

type Option func(*WSClient)

func WithClock(clk clock.Clock) Option {
	return func(c *WSClient) { c.clock = clk }
}

// WSClient keeps a websocket to the relay open, retrying with backoff up to
// MaxAttempts consecutive failures before giving up.
type WSClient struct {
	cfg     Config
	http    *HTTPClient
	clock   clock.Clock
	dialer  *websocket.Dialer
	updates chan Update
	retry   chan struct{}
	log     zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	subAll  bool
	subIDs  []int
	stopped bool
}

func NewWSClient(cfg Config, opts ...Option) *WSClient {
	def := DefaultConfig(cfg.BaseURL)
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	c := &WSClient{
		cfg:     cfg,
		http:    NewHTTPClient(cfg.BaseURL, cfg.Token),
		clock:   clock.New(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		updates: make(chan Update, 256),
		retry:   make(chan struct{}, 1),
		log:     logging.Component("client"),
		subAll:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Updates delivers status changes, events and backfills in arrival order.
// It is closed when Run returns.
func (c *WSClient) Updates() <-chan Update { return c.updates }

// Retry resumes connecting after the client gave up.
func (c *WSClient) Retry() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

func (c *WSClient) wsURL() string {
	u := strings.TrimRight(c.cfg.BaseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Run connects and reconnects until ctx is done, which is the explicit
// disconnect.
func (c *WSClient) Run(ctx context.Context) error {
	defer close(c.updates)
	defer func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		c.emit(ctx, StatusUpdate{Status{Phase: PhaseConnecting, Attempt: attempt, MaxAttempts: c.cfg.MaxAttempts}})
		err := c.session(ctx, &attempt)
		if ctx.Err() != nil {
			c.emitFinal(StatusUpdate{Status{Phase: PhaseClosed}})
			return ctx.Err()
		}

		if attempt >= c.cfg.MaxAttempts {
			c.emit(ctx, StatusUpdate{Status{Phase: PhaseGaveUp, Attempt: attempt, MaxAttempts: c.cfg.MaxAttempts, Err: err}})
			select {
			case <-ctx.Done():
				c.emitFinal(StatusUpdate{Status{Phase: PhaseClosed}})
				return ctx.Err()
			case <-c.retry:
				attempt = 0
				continue
			}
		}

		delay := ReconnectDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)
		attempt++
		c.emit(ctx, StatusUpdate{Status{Phase: PhaseIdle, Attempt: attempt, MaxAttempts: c.cfg.MaxAttempts, RetryIn: delay, Err: err}})
		t := c.clock.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.emitFinal(StatusUpdate{Status{Phase: PhaseClosed}})
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session dials once and reads until the connection closes. A successful
// open resets *attempt.
func (c *WSClient) session(ctx context.Context, attempt *int) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		c.log.Debug().Err(err).Msg("dial relay")
		return err
	}
	*attempt = 0

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.emit(ctx, StatusUpdate{Status{Phase: PhaseOpen, MaxAttempts: c.cfg.MaxAttempts}})
	if err := c.resubscribe(conn); err != nil {
		return err
	}
	backfillDone := make(chan struct{})
	go func() {
		defer close(backfillDone)
		c.backfill(ctx)
	}()
	defer func() { <-backfillDone }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		e, err := event.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("skipping undecodable message")
			continue
		}
		c.emit(ctx, EventUpdate{e})
	}
}

// backfill fetches the HTTP sync point for the current subscription.
func (c *WSClient) backfill(ctx context.Context) {
	procs, at, err := c.http.Processes(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("backfill processes")
		return
	}
	var logs []event.LogEntry
	if c.cfg.BackfillLogs > 0 {
		all, ids := c.Subscriptions()
		switch {
		case all:
			logs, err = c.http.RecentLogs(ctx, nil, c.cfg.BackfillLogs)
		default:
			for _, id := range ids {
				var part []event.LogEntry
				part, err = c.http.RecentLogs(ctx, &id, c.cfg.BackfillLogs)
				if err != nil {
					break
				}
				logs = append(logs, part...)
			}
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("backfill logs")
		}
	}
	c.emit(ctx, BackfillUpdate{Processes: procs, At: at, Logs: logs})
}

// Subscriptions returns the client's desired log subscription.
func (c *WSClient) Subscriptions() (all bool, ids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subAll, slices.Clone(c.subIDs)
}

// Subscribe asks for log lines of t. Like the relay, the first single-process
// subscription narrows the default "all".
func (c *WSClient) Subscribe(t event.Target) error {
	c.mu.Lock()
	if t.All {
		c.subAll, c.subIDs = true, nil
	} else {
		c.subAll = false
		if !slices.Contains(c.subIDs, t.ProcessID) {
			c.subIDs = append(c.subIDs, t.ProcessID)
		}
	}
	conn := c.conn
	c.mu.Unlock()
	return c.send(conn, event.Command{Type: event.CmdSubscribeLogs, Target: t})
}

// Unsubscribe stops log lines of t.
func (c *WSClient) Unsubscribe(t event.Target) error {
	c.mu.Lock()
	if t.All {
		c.subAll, c.subIDs = false, nil
	} else {
		c.subIDs = slices.DeleteFunc(c.subIDs, func(id int) bool { return id == t.ProcessID })
	}
	conn := c.conn
	c.mu.Unlock()
	return c.send(conn, event.Command{Type: event.CmdUnsubscribeLogs, Target: t})
}

// resubscribe restores the desired subscription on a fresh connection, where
// the relay starts every session at "all".
func (c *WSClient) resubscribe(conn *websocket.Conn) error {
	all, ids := c.Subscriptions()
	if all {
		return nil
	}
	if len(ids) == 0 {
		return c.send(conn, event.Command{Type: event.CmdUnsubscribeLogs, Target: event.AllProcesses})
	}
	for _, id := range ids {
		if err := c.send(conn, event.Command{Type: event.CmdSubscribeLogs, Target: event.ProcessTarget(id)}); err != nil {
			return err
		}
	}
	return nil
}

// ErrNotConnected is returned by commands sent while no connection is open.
// The subscription change is still applied on the next open.
var ErrNotConnected = errors.New("client: not connected")

func (c *WSClient) send(conn *websocket.Conn, cmd event.Command) error {
	if conn == nil {
		return ErrNotConnected
	}
	data, err := event.EncodeCommand(cmd, c.clock.Now())
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSClient) emit(ctx context.Context, u Update) {
	select {
	case c.updates <- u:
	case <-ctx.Done():
	}
}

// emitFinal delivers u if there is room; Run is returning.
func (c *WSClient) emitFinal(u Update) {
	select {
	case c.updates <- u:
	default:
	}
}
