package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/logging"
)

// Protocol is the handshake string a compatible daemon bridge announces.
const Protocol = "pm2-bridge/1"

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	writeWait               = 10 * time.Second
	busBuffer               = 256
)

// WSDialer connects to a daemon bridge that speaks Protocol over a websocket.
type WSDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

type hello struct {
	Type     string `json:"type"`
	Protocol string `json:"protocol"`
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
}

// frame is any message read from the daemon: a response when ID is set, a bus
// item when Category is set.
type frame struct {
	Type   string          `json:"type,omitempty"`
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	BusEvent
}

type response struct {
	result json.RawMessage
	err    error
}

// Dial opens the websocket and validates the daemon's hello frame. Transport
// failures are wrapped in *ConnectionError; a bad hello is a *ProtocolError
// wrapped the same way so callers retry it.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshake))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, &ConnectionError{Op: "handshake", Err: err}
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil || h.Type != "hello" {
		ws.Close()
		return nil, &ConnectionError{Op: "handshake", Err: &ProtocolError{Msg: "expected hello frame"}}
	}
	if h.Protocol != Protocol {
		ws.Close()
		return nil, &ConnectionError{Op: "handshake", Err: &ProtocolError{Msg: fmt.Sprintf("unsupported protocol %q", h.Protocol)}}
	}
	_ = ws.SetReadDeadline(time.Time{})

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	c := &wsConn{
		ws:      ws,
		timeout: timeout,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
		events:  make(chan BusEvent, busBuffer),
		busStop: make(chan struct{}),
		log:     logging.Component("daemon").With().Str("url", d.URL).Logger(),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
	log     zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	err     error

	done      chan struct{}
	closeOnce sync.Once

	events     chan BusEvent
	busStop    chan struct{}
	busOnce    sync.Once
	subscribed atomic.Bool
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(&ConnectionError{Op: "read", Err: err})
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed daemon frame")
			continue
		}
		switch {
		case f.ID != 0:
			c.resolve(f)
		case f.Category != "":
			if !c.subscribed.Load() {
				continue
			}
			select {
			case c.events <- f.BusEvent:
			case <-c.busStop:
			case <-c.done:
				return
			}
		}
	}
}

func (c *wsConn) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	var resp response
	if f.Error != "" {
		resp.err = errors.New(f.Error)
	} else {
		resp.result = f.Result
	}
	ch <- resp
}

func (c *wsConn) call(ctx context.Context, method string) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, asConnectionError(method, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(request{ID: id, Method: method})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		cerr := &ConnectionError{Op: method, Err: err}
		c.shutdown(cerr)
		return nil, cerr
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, fmt.Errorf("daemon %s: %w", method, resp.err)
		}
		return resp.result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, &ConnectionError{Op: method, Err: ctx.Err()}
	case <-c.done:
		return nil, asConnectionError(method, c.Err())
	}
}

func asConnectionError(op string, err error) error {
	if IsConnectionError(err) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

func (c *wsConn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *wsConn) List(ctx context.Context) ([]event.Process, error) {
	raw, err := c.call(ctx, "list")
	if err != nil {
		return nil, err
	}
	var procs []event.Process
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil, &ProtocolError{Msg: "list result: " + err.Error()}
	}
	return procs, nil
}

func (c *wsConn) Subscribe(ctx context.Context) (Bus, error) {
	if !c.subscribed.CompareAndSwap(false, true) {
		return nil, errors.New("daemon: already subscribed")
	}
	if _, err := c.call(ctx, "subscribe"); err != nil {
		c.subscribed.Store(false)
		return nil, err
	}
	return &wsBus{c: c}, nil
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]chan response)
		c.mu.Unlock()
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
		if !errors.Is(err, ErrClosed) {
			c.log.Warn().Err(err).Msg("daemon connection lost")
		}
	})
}

type wsBus struct {
	c *wsConn
}

func (b *wsBus) Events() <-chan BusEvent { return b.c.events }

func (b *wsBus) Close() error {
	b.c.busOnce.Do(func() { close(b.c.busStop) })
	return nil
}
