// Package poller keeps clients' process tables converging on the daemon's
// ground truth. A fixed-interval refresh bounds staleness to one interval
// even when push events are lost; lifecycle events request an earlier,
// debounced refresh.
package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/fleet"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/metrics"
)

// Lister fetches the full process list from the daemon.
type Lister interface {
	List(ctx context.Context) ([]event.Process, error)
}

// Publisher receives fresh snapshots.
type Publisher interface {
	Broadcast(e event.Event)
}

// Enricher fills in fields the daemon left empty.
type Enricher interface {
	Enrich(procs []event.Process) []event.Process
}

type Config struct {
	Interval         time.Duration
	Debounce         time.Duration
	RequestTimeout   time.Duration
	FailureThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:         2 * time.Second,
		Debounce:         100 * time.Millisecond,
		RequestTimeout:   5 * time.Second,
		FailureThreshold: 3,
	}
}

type Option func(*Synchronizer)

func WithClock(clk clock.Clock) Option {
	return func(s *Synchronizer) { s.clock = clk }
}

func WithEnricher(e Enricher) Option {
	return func(s *Synchronizer) { s.enricher = e }
}

type Synchronizer struct {
	cfg      Config
	lister   Lister
	pub      Publisher
	store    *fleet.Store
	enricher Enricher
	clock    clock.Clock
	breaker  *gobreaker.CircuitBreaker[[]event.Process]
	health   *pollHealth
	log      zerolog.Logger

	gen     atomic.Uint64
	trigger chan struct{}
}

func New(cfg Config, lister Lister, pub Publisher, store *fleet.Store, opts ...Option) *Synchronizer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	s := &Synchronizer{
		cfg:     cfg,
		lister:  lister,
		pub:     pub,
		store:   store,
		clock:   clock.New(),
		health:  newPollHealth(cfg.FailureThreshold),
		log:     logging.Component("poller"),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker[[]event.Process](gobreaker.Settings{
		Name:    "daemon-list",
		Timeout: 2 * cfg.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.health.threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("list breaker state changed")
		},
	})
	return s
}

// Run refreshes on every interval tick and after each debounced trigger
// until ctx is done. Refreshes run one at a time on this goroutine.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	var debounce *clock.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.refresh(ctx, "interval")
		case <-s.trigger:
			if debounceC == nil {
				debounce = s.clock.Timer(s.cfg.Debounce)
				debounceC = debounce.C
			}
		case <-debounceC:
			debounce, debounceC = nil, nil
			s.refresh(ctx, "event")
		}
	}
}

// Trigger requests a refresh within the debounce window. Calls made while a
// refresh is already pending are no-ops. It never blocks.
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Refresh lists the daemon's processes now and broadcasts the snapshot.
// Failures are logged and returned; they are never fatal.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.refresh(ctx, "manual")
}

func (s *Synchronizer) refresh(ctx context.Context, trigger string) error {
	gen := s.gen.Add(1)
	start := s.clock.Now()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	procs, err := s.breaker.Execute(func() ([]event.Process, error) {
		return s.lister.List(callCtx)
	})
	metrics.PollDuration.Observe(s.clock.Since(start).Seconds())

	if err != nil {
		metrics.Polls.WithLabelValues(trigger, "failure").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.log.Debug().Str("trigger", trigger).Msg("list skipped, breaker open")
			return err
		}
		if s.health.recordFailure(err, s.clock.Now()) {
			s.log.Warn().Err(err).Int("threshold", s.health.threshold).Msg("process list polling degraded")
		} else {
			s.log.Debug().Err(err).Str("trigger", trigger).Msg("process list refresh failed")
		}
		return err
	}
	if s.health.recordSuccess(s.clock.Now()) {
		s.log.Info().Msg("process list polling healthy")
	}
	metrics.Polls.WithLabelValues(trigger, "success").Inc()

	if s.enricher != nil {
		procs = s.enricher.Enrich(procs)
	}
	snap := event.NewProcessListSnapshot(procs, s.clock.Now())
	if !s.store.Set(gen, snap) {
		return nil
	}
	metrics.Processes.Set(float64(snap.Len()))
	s.pub.Broadcast(snap)
	return nil
}

// Latest returns the most recent snapshot, if any refresh has succeeded.
func (s *Synchronizer) Latest() (event.ProcessListSnapshot, bool) {
	return s.store.Latest()
}

// Health reports consecutive list failures.
func (s *Synchronizer) Health() Health {
	return s.health.snapshot()
}
