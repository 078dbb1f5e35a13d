package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/fleet"
	"github.com/procrelay/procrelay/internal/logbuf"
	"github.com/procrelay/procrelay/internal/ws"
)

type bufferLogs struct{ buf *logbuf.Buffer }

func (b bufferLogs) RecentLogs(processID *int, limit int) []event.LogEntry {
	return b.buf.Recent(processID, limit)
}

type relayStub struct {
	hub   *ws.Hub
	store *fleet.Store
	logs  *logbuf.Buffer
	srv   *httptest.Server
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	store := fleet.NewStore()
	buf := logbuf.New(100)
	hub := ws.NewHub(ws.DefaultConfig(), ws.WithSnapshots(store))
	srv := httptest.NewServer(ws.NewServer(ws.ServerConfig{AuthToken: "secret"}, hub, store, bufferLogs{buf}).Routes())
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})
	return &relayStub{hub: hub, store: store, logs: buf, srv: srv}
}

type runningClient struct {
	c      *WSClient
	cancel context.CancelFunc
	done   chan error
}

func startClient(t *testing.T, cfg Config) *runningClient {
	t.Helper()
	c := NewWSClient(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	rc := &runningClient{c: c, cancel: cancel, done: make(chan error, 1)}
	go func() { rc.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for range c.Updates() {
		}
		<-rc.done
	})
	return rc
}

// await reads updates until match returns true.
func await(t *testing.T, c *WSClient, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-c.Updates():
			require.True(t, ok, "updates closed")
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func phase(p Phase) func(Update) bool {
	return func(u Update) bool {
		s, ok := u.(StatusUpdate)
		return ok && s.Status.Phase == p
	}
}

func logMessage(msg string) func(Update) bool {
	return func(u Update) bool {
		e, ok := u.(EventUpdate)
		if !ok {
			return false
		}
		ll, ok := e.Event.(event.LogLine)
		return ok && ll.Entry.Message == msg
	}
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{8, 25628906250 * time.Nanosecond},
		{9, 30 * time.Second},
		{500, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(time.Second, 30*time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestWSURL(t *testing.T) {
	c := NewWSClient(Config{BaseURL: "https://relay.example.com/"})
	assert.Equal(t, "wss://relay.example.com/ws", c.wsURL())
	c = NewWSClient(Config{BaseURL: "http://127.0.0.1:8080"})
	assert.Equal(t, "ws://127.0.0.1:8080/ws", c.wsURL())
}

func TestClientReceivesEventsAndBackfill(t *testing.T) {
	relay := newRelayStub(t)
	relay.store.Set(1, event.NewProcessListSnapshot([]event.Process{{ID: 1, Name: "api"}}, time.Now()))
	relay.logs.Append(event.LogEntry{ID: "old", ProcessID: 1, Message: "old", Timestamp: time.Now()})

	cfg := DefaultConfig(relay.srv.URL)
	cfg.Token = "secret"
	rc := startClient(t, cfg)

	await(t, rc.c, phase(PhaseOpen))
	s := NewState()
	for s.ProcessesAt.IsZero() || len(s.Logs) == 0 {
		switch u := await(t, rc.c, func(Update) bool { return true }).(type) {
		case EventUpdate:
			s = Reduce(s, u.Event)
		case BackfillUpdate:
			s = Backfill(s, u.Processes, u.At, u.Logs)
		}
	}
	assert.True(t, s.Connected)
	assert.Len(t, s.Processes, 1)
	assert.Equal(t, "old", s.Logs[0].ID)

	relay.hub.BroadcastToSubscribers(1, event.NewLogLine(event.LogEntry{ID: "new", ProcessID: 1, Message: "fresh"}, time.Now()))
	await(t, rc.c, logMessage("fresh"))
}

func TestClientSubscriptionNarrowsLogs(t *testing.T) {
	relay := newRelayStub(t)
	cfg := DefaultConfig(relay.srv.URL)
	cfg.Token = "secret"
	cfg.BackfillLogs = 0
	rc := startClient(t, cfg)
	await(t, rc.c, phase(PhaseOpen))

	require.NoError(t, rc.c.Subscribe(event.ProcessTarget(1)))
	all, ids := rc.c.Subscriptions()
	assert.False(t, all)
	assert.Equal(t, []int{1}, ids)

	// Each round ends with a unique probe; once a round delivers no line
	// for process 2 the relay has applied the subscription.
	deadline := time.Now().Add(3 * time.Second)
	for round := 0; ; round++ {
		probe := fmt.Sprintf("probe-%d", round)
		relay.hub.BroadcastToSubscribers(2, event.NewLogLine(event.LogEntry{ProcessID: 2, Message: "two"}, time.Now()))
		relay.hub.BroadcastToSubscribers(1, event.NewLogLine(event.LogEntry{ProcessID: 1, Message: probe}, time.Now()))
		sawOther := false
		await(t, rc.c, func(u Update) bool {
			if logMessage("two")(u) {
				sawOther = true
			}
			return logMessage(probe)(u)
		})
		if !sawOther {
			break
		}
		require.True(t, time.Now().Before(deadline), "subscription never applied")
	}

	relay.hub.BroadcastToSubscribers(2, event.NewLogLine(event.LogEntry{ProcessID: 2, Message: "two"}, time.Now()))
	relay.hub.BroadcastToSubscribers(1, event.NewLogLine(event.LogEntry{ProcessID: 1, Message: "one"}, time.Now()))
	u := await(t, rc.c, func(u Update) bool { return logMessage("two")(u) || logMessage("one")(u) })
	assert.True(t, logMessage("one")(u), "process 2 must be filtered")
}

func TestClientGivesUpAndRetries(t *testing.T) {
	relay := newRelayStub(t)
	url := relay.srv.URL
	relay.srv.Close()

	rc := startClient(t, Config{BaseURL: url, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3})

	u := await(t, rc.c, phase(PhaseGaveUp)).(StatusUpdate)
	assert.Equal(t, 3, u.Status.Attempt)
	assert.Error(t, u.Status.Err)

	rc.c.Retry()
	u = await(t, rc.c, phase(PhaseConnecting)).(StatusUpdate)
	assert.Equal(t, 0, u.Status.Attempt)
	await(t, rc.c, phase(PhaseGaveUp))
}

func TestClientStopsOnCancel(t *testing.T) {
	relay := newRelayStub(t)
	cfg := DefaultConfig(relay.srv.URL)
	cfg.Token = "secret"
	rc := startClient(t, cfg)
	await(t, rc.c, phase(PhaseOpen))

	rc.cancel()
	select {
	case err := <-rc.done:
		assert.ErrorIs(t, err, context.Canceled)
		rc.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, rc.c.Unsubscribe(event.AllProcesses), ErrNotConnected)
}
