package ws

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/procrelay/procrelay/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn records written text frames. Reads block until Close.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	pings    int
	writeErr error
	pingErr  error
	gate     chan struct{} // when non-nil, WriteMessage waits on it
	pong     func(string) error
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	gate, err := c.gate, c.writeErr
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return errors.New("closed")
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) SetReadLimit(int64)               {}
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() net.Addr             { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pong = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) events(t *testing.T) []event.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, 0, len(c.written))
	for _, b := range c.written {
		e, err := event.Decode(b)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func (c *fakeConn) waitEvents(t *testing.T, n int) []event.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.written) >= n
	}, time.Second, time.Millisecond)
	return c.events(t)
}

type staticSnapshots struct {
	snap event.ProcessListSnapshot
	ok   bool
}

func (s staticSnapshots) Latest() (event.ProcessListSnapshot, bool) { return s.snap, s.ok }

func newTestHub(t *testing.T, cfg Config, opts ...HubOption) *Hub {
	t.Helper()
	h := NewHub(cfg, opts...)
	t.Cleanup(h.Shutdown)
	return h
}

func accept(t *testing.T, h *Hub) (*Session, *fakeConn) {
	t.Helper()
	c := newFakeConn()
	s, err := h.Accept(c)
	require.NoError(t, err)
	return s, c
}

func logLine(id int, msg string) event.LogLine {
	return event.NewLogLine(event.LogEntry{ID: msg, ProcessID: id, ProcessName: "p", Stream: event.StreamStdout, Message: msg}, time.Now())
}

func TestAcceptSendsStatusThenSnapshot(t *testing.T) {
	snap := event.NewProcessListSnapshot([]event.Process{{ID: 1, Name: "api"}}, time.Now())
	h := newTestHub(t, DefaultConfig(), WithSnapshots(staticSnapshots{snap: snap, ok: true}))
	h.SetUpstreamConnected(true)

	_, c := accept(t, h)
	got := c.waitEvents(t, 2)

	status, ok := got[0].(event.ConnectionStatus)
	require.True(t, ok, "first event is %T", got[0])
	assert.True(t, status.Connected)
	assert.True(t, status.UpstreamConnected)

	list, ok := got[1].(event.ProcessListSnapshot)
	require.True(t, ok, "second event is %T", got[1])
	assert.Equal(t, 1, list.Len())
	assert.Equal(t, 1, h.Count())
}

func TestSubscriptionFiltersOnlyLogs(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	narrow, nc := accept(t, h)
	_, wc := accept(t, h)

	require.NoError(t, h.HandleClientMessage(narrow, []byte(`{"type":"SUBSCRIBE_LOGS","data":{"processId":7}}`)))
	assert.True(t, narrow.Wants(7))
	assert.False(t, narrow.Wants(8))

	h.BroadcastToSubscribers(8, logLine(8, "eight"))
	h.BroadcastToSubscribers(7, logLine(7, "seven"))
	h.Broadcast(event.NewProcessLifecycle(8, "worker", event.LifecycleRestart, time.Now(), time.Now()))
	h.Broadcast(event.NewProcessListSnapshot(nil, time.Now()))

	// status + seven + lifecycle + snapshot
	narrowGot := nc.waitEvents(t, 4)
	var kinds []event.Kind
	for _, e := range narrowGot[1:] {
		kinds = append(kinds, e.Kind())
		if ll, ok := e.(event.LogLine); ok {
			assert.Equal(t, 7, ll.Entry.ProcessID)
		}
	}
	assert.Equal(t, []event.Kind{event.KindLogLine, event.KindProcessLifecycle, event.KindProcessListSnapshot}, kinds)

	// status + eight + seven + lifecycle + snapshot
	wideGot := wc.waitEvents(t, 5)
	assert.Len(t, wideGot, 5)
}

func TestSubscribeUnsubscribeTransitions(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	s, _ := accept(t, h)

	all, _ := s.Subscriptions()
	assert.True(t, all, "sessions start subscribed to all")

	require.NoError(t, h.HandleClientMessage(s, []byte(`{"type":"SUBSCRIBE_LOGS","data":{"processId":"3"}}`)))
	require.NoError(t, h.HandleClientMessage(s, []byte(`{"type":"SUBSCRIBE_LOGS","data":{"processId":4}}`)))
	all, ids := s.Subscriptions()
	assert.False(t, all)
	assert.ElementsMatch(t, []int{3, 4}, ids)

	require.NoError(t, h.HandleClientMessage(s, []byte(`{"type":"UNSUBSCRIBE_LOGS","data":{"processId":3}}`)))
	assert.False(t, s.Wants(3))
	assert.True(t, s.Wants(4))

	require.NoError(t, h.HandleClientMessage(s, []byte(`{"type":"UNSUBSCRIBE_LOGS","data":{"processId":"all"}}`)))
	assert.False(t, s.Wants(4))

	require.NoError(t, h.HandleClientMessage(s, []byte(`{"type":"SUBSCRIBE_LOGS","data":{"processId":"all"}}`)))
	assert.True(t, s.Wants(99))
}

func TestDaemonLogSubscription(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	s, c := accept(t, h)

	require.NoError(t, h.HandleClientMessage(s, []byte(`{"type":"SUBSCRIBE_LOGS","data":{"processId":-1}}`)))
	assert.True(t, s.Wants(event.DaemonProcessID))
	assert.False(t, s.Wants(0))

	h.BroadcastToSubscribers(0, logLine(0, "app"))
	pm2 := event.NewLogLine(event.LogEntry{ID: "pm2", ProcessID: event.DaemonProcessID, ProcessName: "PM2", Stream: event.StreamDaemon, Message: "PM2 resurrected"}, time.Now())
	h.BroadcastToSubscribers(event.DaemonProcessID, pm2)

	c.waitEvents(t, 2)
	time.Sleep(20 * time.Millisecond)
	got := c.events(t)
	require.Len(t, got, 2, "status + daemon line only")
	ll, ok := got[1].(event.LogLine)
	require.True(t, ok, "second event is %T", got[1])
	assert.Equal(t, "PM2", ll.Entry.ProcessName)
}

func TestMalformedMessageErrorsOnlyToSender(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	bad, bc := accept(t, h)
	_, oc := accept(t, h)

	tests := []struct {
		msg  string
		code string
	}{
		{`not json`, CodeBadJSON},
		{`{"type":"REBOOT","data":{}}`, CodeUnknownType},
		{`{"type":"SUBSCRIBE_LOGS","data":{"processId":"abc"}}`, CodeBadProcessID},
		{`{"type":"SUBSCRIBE_LOGS","data":{}}`, CodeBadProcessID},
	}
	for _, tt := range tests {
		err := h.HandleClientMessage(bad, []byte(tt.msg))
		var cpe *ClientProtocolError
		require.ErrorAs(t, err, &cpe, tt.msg)
		assert.Equal(t, tt.code, cpe.Code)
	}

	got := bc.waitEvents(t, 1+len(tests))
	for i, tt := range tests {
		e, ok := got[i+1].(event.Error)
		require.True(t, ok, "event %d is %T", i+1, got[i+1])
		assert.Equal(t, tt.code, e.Code)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, oc.events(t), 1, "other sessions only see their own status event")
	all, _ := bad.Subscriptions()
	assert.True(t, all, "bad messages leave subscriptions untouched")
}

func TestRateLimitedSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientRate = 0.001
	cfg.ClientBurst = 2
	h := newTestHub(t, cfg)
	s, c := accept(t, h)

	msg := []byte(`{"type":"SUBSCRIBE_LOGS","data":{"processId":1}}`)
	require.NoError(t, h.HandleClientMessage(s, msg))
	require.NoError(t, h.HandleClientMessage(s, msg))
	require.ErrorIs(t, h.HandleClientMessage(s, msg), ErrRateLimited)

	got := c.waitEvents(t, 2)
	assert.Equal(t, CodeRateLimited, got[1].(event.Error).Code)
}

func TestSlowSessionIsDroppedWithoutBlockingOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 2
	h := newTestHub(t, cfg)

	slow := newFakeConn()
	slow.gate = make(chan struct{})
	_, err := h.Accept(slow)
	require.NoError(t, err)
	_, fast := accept(t, h)

	for i := 0; i < 4; i++ {
		h.Broadcast(event.NewProcessListSnapshot(nil, time.Now()))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, slow.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.Count())
	fast.waitEvents(t, 1)
}

func TestHeartbeatRemovesBrokenSocket(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	_, broken := accept(t, h)
	broken.pingErr = errors.New("broken pipe")
	_, healthy := accept(t, h)

	for i := 0; i < 3; i++ {
		h.heartbeat()
		healthy.mu.Lock()
		pong := healthy.pong
		healthy.mu.Unlock()
		require.NoError(t, pong(""))
	}

	assert.True(t, broken.isClosed())
	assert.False(t, healthy.isClosed())
	assert.Equal(t, 1, h.Count())

	h.Broadcast(event.NewConnectionStatus(true, false, time.Now()))
	got := healthy.waitEvents(t, 2)
	assert.Equal(t, event.KindConnectionStatus, got[1].Kind())
}

func TestSetUpstreamConnectedBroadcastsChanges(t *testing.T) {
	h := newTestHub(t, DefaultConfig())
	_, c := accept(t, h)

	h.SetUpstreamConnected(true)
	h.SetUpstreamConnected(true)
	h.SetUpstreamConnected(false)

	c.waitEvents(t, 3)
	time.Sleep(20 * time.Millisecond)
	got := c.events(t)
	require.Len(t, got, 3)
	assert.True(t, got[1].(event.ConnectionStatus).UpstreamConnected)
	assert.False(t, got[2].(event.ConnectionStatus).UpstreamConnected)
}

func TestShutdownClosesSessionsAndRefusesNew(t *testing.T) {
	h := NewHub(DefaultConfig())
	_, c1 := accept(t, h)
	_, c2 := accept(t, h)

	h.Shutdown()
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
	assert.Equal(t, 0, h.Count())

	_, err := h.Accept(newFakeConn())
	assert.ErrorIs(t, err, ErrHubClosed)
	h.Shutdown()
}
