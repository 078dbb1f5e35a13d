// Package translator turns the daemon's push stream into domain events.
//
// Log items are stored in the recent-log buffer and fanned out only to
// subscribed sessions. Lifecycle items go to every session and schedule an
// out-of-band snapshot refresh.
package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/procrelay/procrelay/internal/daemon"
	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/logbuf"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/metrics"
)

// ErrTransientIngestion marks a single bus item that could not be
// translated. The item is dropped and the stream continues.
var ErrTransientIngestion = errors.New("transient ingestion error")

type ingestError struct {
	reason string
	msg    string
}

func (e *ingestError) Error() string { return ErrTransientIngestion.Error() + ": " + e.msg }
func (e *ingestError) Unwrap() error { return ErrTransientIngestion }

func dropped(reason, format string, args ...any) error {
	return &ingestError{reason: reason, msg: fmt.Sprintf(format, args...)}
}

// ErrDestroyed is returned by Initialize after Destroy.
var ErrDestroyed = errors.New("translator destroyed")

// DaemonProcessID is the process id given to daemon-internal log lines that
// carry no process.
const DaemonProcessID = event.DaemonProcessID

// Publisher receives translated events.
type Publisher interface {
	Broadcast(e event.Event)
	BroadcastToSubscribers(processID int, e event.Event)
}

// Refresher schedules an out-of-band snapshot refresh.
type Refresher interface {
	Trigger()
}

// Option configures a Translator.
type Option func(*Translator)

func WithClock(clk clock.Clock) Option {
	return func(t *Translator) { t.clock = clk }
}

// WithIDs replaces the log entry id generator.
func WithIDs(fn func() string) Option {
	return func(t *Translator) { t.newID = fn }
}

type Translator struct {
	buf     *logbuf.Buffer
	pub     Publisher
	refresh Refresher
	clock   clock.Clock
	newID   func() string
	log     zerolog.Logger

	mu        sync.Mutex
	bus       daemon.Bus
	stop      chan struct{}
	lost      chan struct{}
	wg        sync.WaitGroup
	destroyed bool
}

func New(buf *logbuf.Buffer, pub Publisher, refresh Refresher, opts ...Option) *Translator {
	t := &Translator{
		buf:     buf,
		pub:     pub,
		refresh: refresh,
		clock:   clock.New(),
		newID:   uuid.NewString,
		log:     logging.Component("translator"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize opens conn's push stream and starts consuming it. Any stream
// from a previous connection is detached first. A failure to open the stream
// is a *daemon.ConnectionError.
func (t *Translator) Initialize(ctx context.Context, conn daemon.Conn) error {
	t.Detach()

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	t.mu.Unlock()

	bus, err := conn.Subscribe(ctx)
	if err != nil {
		if !daemon.IsConnectionError(err) {
			err = &daemon.ConnectionError{Op: "subscribe", Err: err}
		}
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		bus.Close()
		return ErrDestroyed
	}
	t.bus = bus
	t.stop = make(chan struct{})
	t.lost = make(chan struct{})
	t.wg.Add(1)
	go t.consume(bus, t.stop, t.lost)
	t.log.Info().Msg("event stream attached")
	return nil
}

// Lost returns a channel closed when the current stream ends, whether the
// connection dropped or Detach was called. It is nil before Initialize.
func (t *Translator) Lost() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}

// Detach stops consuming the current stream. The log buffer is kept.
func (t *Translator) Detach() {
	t.mu.Lock()
	bus, stop := t.bus, t.stop
	t.bus, t.stop = nil, nil
	t.mu.Unlock()
	if bus == nil {
		return
	}
	close(stop)
	bus.Close()
	t.wg.Wait()
}

// Destroy detaches and clears the log buffer. It is idempotent.
func (t *Translator) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.mu.Unlock()

	t.Detach()
	t.buf.Reset()
	metrics.LogBufferEntries.Set(0)
}

// RecentLogs returns at most limit of the newest buffered entries in arrival
// order, restricted to processID when it is non-nil.
func (t *Translator) RecentLogs(processID *int, limit int) []event.LogEntry {
	return t.buf.Recent(processID, limit)
}

func (t *Translator) consume(bus daemon.Bus, stop, lost chan struct{}) {
	defer t.wg.Done()
	defer close(lost)
	events := bus.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				t.log.Warn().Msg("event stream ended")
				return
			}
			t.handle(ev)
		}
	}
}

func (t *Translator) handle(ev daemon.BusEvent) {
	e, err := t.translate(ev)
	if err != nil {
		reason := "invalid"
		var ie *ingestError
		if errors.As(err, &ie) {
			reason = ie.reason
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		t.log.Debug().Err(err).Str("category", ev.Category).Msg("dropping bus event")
		return
	}
	metrics.EventsTranslated.WithLabelValues(string(e.Kind())).Inc()

	switch e := e.(type) {
	case event.LogLine:
		if t.buf.Append(e.Entry) {
			metrics.LogBufferEvictions.Inc()
		}
		metrics.LogBufferEntries.Set(float64(t.buf.Len()))
		t.pub.BroadcastToSubscribers(e.Entry.ProcessID, e)
	case event.ProcessLifecycle:
		t.pub.Broadcast(e)
		if t.refresh != nil {
			t.refresh.Trigger()
		}
	}
}

// translate maps one bus item to a LogLine or ProcessLifecycle.
func (t *Translator) translate(ev daemon.BusEvent) (event.Event, error) {
	now := t.clock.Now()
	ts := now
	if ev.At > 0 {
		ts = time.UnixMilli(ev.At)
	}

	switch ev.Category {
	case daemon.CategoryLogOut, daemon.CategoryLogErr, daemon.CategoryLogDaemon:
		entry := event.LogEntry{
			ID:        t.newID(),
			Stream:    streamOf(ev.Category),
			Message:   strings.TrimRight(ev.Data, "\r\n"),
			Timestamp: ts,
		}
		switch {
		case ev.Process != nil:
			entry.ProcessID, entry.ProcessName = ev.Process.ID, ev.Process.Name
		case ev.Category == daemon.CategoryLogDaemon:
			entry.ProcessID, entry.ProcessName = DaemonProcessID, "PM2"
		default:
			return nil, dropped("no_process", "%s item without process", ev.Category)
		}
		return event.NewLogLine(entry, now), nil

	case daemon.CategoryProcessEvent:
		if ev.Process == nil {
			return nil, dropped("no_process", "lifecycle item without process")
		}
		if ev.Event == "" {
			return nil, dropped("no_event", "lifecycle item without event name")
		}
		return event.NewProcessLifecycle(ev.Process.ID, ev.Process.Name, event.Lifecycle(ev.Event), ts, now), nil

	default:
		return nil, dropped("unknown_category", "unknown category %q", ev.Category)
	}
}

func streamOf(category string) event.StreamKind {
	switch category {
	case daemon.CategoryLogErr:
		return event.StreamStderr
	case daemon.CategoryLogDaemon:
		return event.StreamDaemon
	default:
		return event.StreamStdout
	}
}
