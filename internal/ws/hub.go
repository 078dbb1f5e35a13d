// Package ws is the relay's downstream side: the broadcast hub that fans
// domain events out to client sessions, and the HTTP server that accepts
// them.
package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/metrics"
)

type Config struct {
	SendBuffer        int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ClientRate        float64
	ClientBurst       int
	MaxMessageSize    int64
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:        256,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ClientRate:        20,
		ClientBurst:       40,
		MaxMessageSize:    4096,
	}
}

// SnapshotSource provides the latest process list for newly accepted
// sessions.
type SnapshotSource interface {
	Latest() (event.ProcessListSnapshot, bool)
}

type HubOption func(*Hub)

func WithClock(clk clock.Clock) HubOption {
	return func(h *Hub) { h.clock = clk }
}

// WithSnapshots makes Accept send the cached snapshot after the connection
// status.
func WithSnapshots(src SnapshotSource) HubOption {
	return func(h *Hub) { h.snapshots = src }
}

// Hub tracks live sessions. The session set lock is held only to add,
// remove or copy the set; every send happens outside it.
type Hub struct {
	cfg       Config
	clock     clock.Clock
	snapshots SnapshotSource
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	closed   bool

	upstream atomic.Bool
	nextID   atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
}

func NewHub(cfg Config, opts ...HubOption) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ClientRate <= 0 {
		cfg.ClientRate = def.ClientRate
	}
	if cfg.ClientBurst <= 0 {
		cfg.ClientBurst = def.ClientBurst
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	h := &Hub{
		cfg:      cfg,
		clock:    clock.New(),
		log:      logging.Component("hub"),
		sessions: make(map[*Session]struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Accept registers conn as a live session subscribed to all logs, queues a
// CONNECTION_STATUS event and the latest snapshot, and starts its reader and
// writer.
func (h *Hub) Accept(conn Conn) (*Session, error) {
	s := newSession(h.nextID.Add(1), conn, h)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	// The greeting is queued under the set lock so it precedes every
	// broadcast the session receives.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.queue(s, event.NewConnectionStatus(true, h.upstream.Load(), h.clock.Now()))
	if h.snapshots != nil {
		if snap, ok := h.snapshots.Latest(); ok {
			h.queue(s, snap)
		}
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	h.log.Info().Uint64("session", s.id).Str("remote", s.remote).Int("sessions", n).Msg("client connected")

	go s.writePump()
	go s.readPump()
	return s, nil
}

// queue encodes e onto the queue of a session not yet visible to fan-out.
func (h *Hub) queue(s *Session, e event.Event) {
	data, err := event.Encode(e)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(e.Kind())).Msg("encode event")
		return
	}
	s.enqueue(data)
}

// HandleClientMessage applies one inbound message to s. Protocol errors are
// answered with an ERROR event to s alone and returned.
func (h *Hub) HandleClientMessage(s *Session, msg []byte) error {
	if !s.limiter.Allow() {
		h.replyError(s, ErrRateLimited)
		return ErrRateLimited
	}
	cmd, err := event.DecodeCommand(msg)
	if err != nil {
		var cpe *ClientProtocolError
		if errors.As(err, &cpe) {
			h.replyError(s, cpe)
		}
		return err
	}
	metrics.ClientCommands.WithLabelValues(string(cmd.Type)).Inc()

	switch cmd.Type {
	case event.CmdSubscribeLogs:
		s.subscribe(cmd.Target)
	case event.CmdUnsubscribeLogs:
		s.unsubscribe(cmd.Target)
	}
	h.log.Debug().Uint64("session", s.id).Str("type", string(cmd.Type)).Stringer("target", cmd.Target).Msg("client command")
	return nil
}

func (h *Hub) replyError(s *Session, cpe *ClientProtocolError) {
	metrics.ClientErrors.WithLabelValues(cpe.Code).Inc()
	data, err := event.Encode(event.NewError(cpe.Msg, cpe.Code, h.clock.Now()))
	if err != nil {
		return
	}
	if !s.enqueue(data) {
		h.remove(s, "slow", ErrSendBufferFull)
	}
}

// Broadcast delivers e to every live session.
func (h *Hub) Broadcast(e event.Event) {
	h.fanOut(e, func(*Session) bool { return true })
}

// BroadcastToSubscribers delivers e to sessions subscribed to processID or
// to all processes.
func (h *Hub) BroadcastToSubscribers(processID int, e event.Event) {
	h.fanOut(e, func(s *Session) bool { return s.Wants(processID) })
}

func (h *Hub) fanOut(e event.Event, want func(*Session) bool) {
	data, err := event.Encode(e)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(e.Kind())).Msg("encode event")
		return
	}
	metrics.Broadcasts.WithLabelValues(string(e.Kind())).Inc()

	for _, s := range h.snapshot() {
		if !want(s) {
			continue
		}
		if !s.enqueue(data) {
			h.remove(s, "slow", ErrSendBufferFull)
		}
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// SetUpstreamConnected records daemon reachability and broadcasts a
// CONNECTION_STATUS event when it changes.
func (h *Hub) SetUpstreamConnected(up bool) {
	if h.upstream.Swap(up) == up {
		return
	}
	h.Broadcast(event.NewConnectionStatus(true, up, h.clock.Now()))
}

func (h *Hub) UpstreamConnected() bool {
	return h.upstream.Load()
}

// RunHeartbeat pings every session each interval. A session that has not
// answered the previous ping by the next tick is closed and removed.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := h.clock.Ticker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	for _, s := range h.snapshot() {
		if !s.alive.Swap(false) {
			h.remove(s, "heartbeat", nil)
			continue
		}
		if err := s.ping(); err != nil {
			h.log.Debug().Err(err).Uint64("session", s.id).Msg("ping failed")
		}
	}
}

func (h *Hub) remove(s *Session, reason string, err error) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()

	s.close(0, "")
	if !ok {
		return
	}
	metrics.Sessions.Set(float64(n))
	metrics.SessionsRemoved.WithLabelValues(reason).Inc()
	l := h.log.Info()
	if err != nil {
		l = h.log.Warn().Err(err)
	}
	l.Uint64("session", s.id).Str("reason", reason).Int("sessions", n).Msg("client removed")
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every session with a going-away frame, stops the
// heartbeat and refuses further sessions.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	clear(h.sessions)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	metrics.Sessions.Set(0)
	h.log.Info().Int("sessions", len(sessions)).Msg("hub shut down")
}
