// Package relay runs the upstream side of the pipeline: keep a daemon
// connection, attach the event translator to it, and start over when the
// connection is lost.
package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/procrelay/procrelay/internal/daemon"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/upstream"
)

// Supervisor is the connection owner.
type Supervisor interface {
	EnsureConnected(ctx context.Context) (daemon.Conn, error)
	Reconnect(ctx context.Context) (daemon.Conn, error)
	ResetAttempts()
	Observe(fn func(upstream.State)) (cancel func())
}

// Translator consumes one connection's event stream at a time.
type Translator interface {
	Initialize(ctx context.Context, conn daemon.Conn) error
	Lost() <-chan struct{}
	Detach()
}

// StatusSink is told whether the daemon is reachable.
type StatusSink interface {
	SetUpstreamConnected(up bool)
}

// Refresher schedules a snapshot refresh.
type Refresher interface {
	Trigger()
}

type Relay struct {
	sup     Supervisor
	tr      Translator
	status  StatusSink
	refresh Refresher
	log     zerolog.Logger
}

func New(sup Supervisor, tr Translator, status StatusSink, refresh Refresher) *Relay {
	return &Relay{
		sup:     sup,
		tr:      tr,
		status:  status,
		refresh: refresh,
		log:     logging.Component("relay"),
	}
}

func (r *Relay) String() string { return "relay" }

// Serve keeps the translator attached to a live daemon connection until ctx
// is done. The daemon is retried forever: when the supervisor reports its
// retry ceiling, the outage is logged and the ceiling reset.
func (r *Relay) Serve(ctx context.Context) error {
	cancel := r.sup.Observe(func(st upstream.State) {
		r.status.SetUpstreamConnected(st == upstream.Connected)
	})
	defer cancel()
	defer r.tr.Detach()

	conn, err := r.sup.EnsureConnected(ctx)
	for {
		if err == nil {
			err = r.attach(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, upstream.ErrRetriesExhausted):
			r.log.Error().Err(err).Msg("daemon unreachable, relay degraded; continuing to retry")
			r.sup.ResetAttempts()
		case err != nil:
			r.log.Warn().Err(err).Msg("daemon connection unavailable")
		}
		conn, err = r.sup.Reconnect(ctx)
	}
}

// attach streams events from conn until the stream ends or ctx is done.
func (r *Relay) attach(ctx context.Context, conn daemon.Conn) error {
	if err := r.tr.Initialize(ctx, conn); err != nil {
		return err
	}
	lost := r.tr.Lost()
	if r.refresh != nil {
		r.refresh.Trigger()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
	}
	err := conn.Err()
	if err == nil {
		err = errors.New("event stream ended")
	}
	if !daemon.IsConnectionError(err) {
		err = &daemon.ConnectionError{Op: "stream", Err: err}
	}
	return err
}
