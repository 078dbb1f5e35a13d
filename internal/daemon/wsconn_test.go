package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/procrelay/procrelay/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBridge is a minimal daemon bridge. Each accepted connection gets the
// hello frame, answers list/subscribe, and forwards anything sent on push
// once subscribed.
type fakeBridge struct {
	srv      *httptest.Server
	hello    string
	procs    []event.Process
	push     chan BusEvent
	conns    chan *websocket.Conn
	listErr  string
	ignoreRq bool
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	b := &fakeBridge{
		hello: `{"type":"hello","protocol":"pm2-bridge/1"}`,
		push:  make(chan BusEvent, 16),
		conns: make(chan *websocket.Conn, 4),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	b.conns <- ws

	if err := ws.WriteMessage(websocket.TextMessage, []byte(b.hello)); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	writes := make(chan []byte, 16)
	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-writes:
				if ws.WriteMessage(websocket.TextMessage, msg) != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if b.ignoreRq {
			continue
		}
		var req request
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		switch req.Method {
		case "list":
			if b.listErr != "" {
				out, _ := json.Marshal(map[string]any{"id": req.ID, "error": b.listErr})
				writes <- out
				continue
			}
			out, _ := json.Marshal(map[string]any{"id": req.ID, "result": b.procs})
			writes <- out
		case "subscribe":
			out, _ := json.Marshal(map[string]any{"id": req.ID, "result": true})
			writes <- out
			go func() {
				for {
					select {
					case <-done:
						return
					case ev := <-b.push:
						out, _ := json.Marshal(ev)
						select {
						case writes <- out:
						case <-done:
							return
						}
					}
				}
			}()
		}
	}
}

func dial(t *testing.T, b *fakeBridge) Conn {
	t.Helper()
	d := &WSDialer{URL: b.url(), RequestTimeout: 2 * time.Second}
	c, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAndList(t *testing.T) {
	b := newFakeBridge(t)
	b.procs = []event.Process{{ID: 0, Name: "api", PID: 42, Status: event.StatusOnline}}
	c := dial(t, b)

	procs, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "api", procs[0].Name)
	assert.Equal(t, 42, procs[0].PID)
}

func TestListDaemonErrorIsNotConnectionError(t *testing.T) {
	b := newFakeBridge(t)
	b.listErr = "boom"
	c := dial(t, b)

	_, err := c.List(context.Background())
	require.Error(t, err)
	assert.False(t, IsConnectionError(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestDialRejectsBadHello(t *testing.T) {
	b := newFakeBridge(t)
	b.hello = `{"type":"hello","protocol":"other/9"}`

	_, err := (&WSDialer{URL: b.url()}).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestDialUnreachable(t *testing.T) {
	_, err := (&WSDialer{URL: "ws://127.0.0.1:1/none"}).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestSubscribeDeliversBusEventsInOrder(t *testing.T) {
	b := newFakeBridge(t)
	c := dial(t, b)

	bus, err := c.Subscribe(context.Background())
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background())
	require.Error(t, err, "second subscribe must fail")

	for i := 0; i < 3; i++ {
		b.push <- BusEvent{Category: CategoryLogOut, Process: &BusProcess{ID: 1, Name: "api"}, Data: string(rune('a' + i)), At: 1000}
	}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-bus.Events():
			assert.Equal(t, string(rune('a'+i)), ev.Data)
			assert.Equal(t, "api", ev.Process.Name)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for bus event")
		}
	}
	require.NoError(t, bus.Close())
}

func TestServerDisconnectEndsConnection(t *testing.T) {
	b := newFakeBridge(t)
	c := dial(t, b)
	bus, err := c.Subscribe(context.Background())
	require.NoError(t, err)

	serverSide := <-b.conns
	serverSide.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not marked done after server close")
	}
	assert.True(t, IsConnectionError(c.Err()))

	_, open := <-bus.Events()
	assert.False(t, open, "bus must close with the connection")

	_, err = c.List(context.Background())
	assert.True(t, IsConnectionError(err))
}

func TestCallHonoursContext(t *testing.T) {
	b := newFakeBridge(t)
	b.ignoreRq = true
	c := dial(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.List(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
