// Package metrics declares the relay's Prometheus collectors. They register
// with the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "procrelay"

var (
	// Upstream

	UpstreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_state",
		Help:      "Daemon connection state (0 disconnected, 1 connecting, 2 connected)",
	})

	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_connect_attempts_total",
		Help:      "Daemon connection attempts by result",
	}, []string{"result"})

	// Translator

	EventsTranslated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_translated_total",
		Help:      "Bus events translated into domain events, by kind",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Bus events skipped during translation, by reason",
	}, []string{"reason"})

	LogBufferEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "log_buffer_entries",
		Help:      "Entries currently held in the recent-log buffer",
	})

	LogBufferEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_buffer_evictions_total",
		Help:      "Entries evicted from the recent-log buffer",
	})

	// Poller

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Process list refreshes by trigger and result",
	}, []string{"trigger", "result"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Duration of process list refreshes",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	Processes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "processes",
		Help:      "Processes in the latest snapshot",
	})

	// Hub

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "client_sessions",
		Help:      "Connected client sessions",
	})

	SessionsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_sessions_removed_total",
		Help:      "Client sessions removed, by reason",
	}, []string{"reason"})

	ClientCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_commands_total",
		Help:      "Client commands handled, by type",
	}, []string{"type"})

	ClientErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_errors_total",
		Help:      "Client protocol errors, by code",
	}, []string{"code"})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Events fanned out to clients, by kind",
	}, []string{"kind"})
)
