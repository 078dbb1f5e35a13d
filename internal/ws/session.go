package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/procrelay/procrelay/internal/event"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// Session is one accepted client connection and its log subscriptions.
// It owns a writer goroutine fed by a bounded queue, so a slow peer never
// blocks the hub.
type Session struct {
	id      uint64
	conn    Conn
	hub     *Hub
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	remote  string

	alive     atomic.Bool
	closeOnce sync.Once

	mu   sync.Mutex
	subs subscriptions
}

// subscriptions is {all} or a set of process ids.
type subscriptions struct {
	all bool
	ids map[int]struct{}
}

func newSession(id uint64, conn Conn, h *Hub) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		hub:     h,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.ClientRate), h.cfg.ClientBurst),
		subs:    subscriptions{all: true, ids: make(map[int]struct{})},
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remote = addr.String()
	}
	s.alive.Store(true)
	return s
}

func (s *Session) ID() uint64 { return s.id }

// Wants reports whether log lines for processID should be delivered.
func (s *Session) Wants(processID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs.all {
		return true
	}
	_, ok := s.subs.ids[processID]
	return ok
}

// Subscriptions returns "all" or the subscribed ids.
func (s *Session) Subscriptions() (all bool, ids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.subs.ids {
		ids = append(ids, id)
	}
	return s.subs.all, ids
}

// subscribe adds t. The first single-process subscription narrows the
// default {all} to that process.
func (s *Session) subscribe(t event.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.All {
		s.subs.all = true
		clear(s.subs.ids)
		return
	}
	s.subs.all = false
	s.subs.ids[t.ProcessID] = struct{}{}
}

// unsubscribe removes t. Unsubscribing "all" leaves no subscriptions; a
// single id cannot be carved out of {all}.
func (s *Session) unsubscribe(t event.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.All {
		s.subs.all = false
		clear(s.subs.ids)
		return
	}
	delete(s.subs.ids, t.ProcessID)
}

// enqueue hands data to the writer without blocking. It returns false when
// the session is closed or its queue is full.
func (s *Session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.remove(s, "write_error", err)
				return
			}
		}
	}
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			s.hub.remove(s, "closed", nil)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.hub.HandleClientMessage(s, data)
	}
}

// ping sends a transport-level ping. Safe to call concurrently with the
// writer.
func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.hub.cfg.WriteTimeout))
}

func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		s.conn.Close()
	})
}
