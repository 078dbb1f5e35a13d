package poller

import (
	"sync"
	"time"
)

// HealthStatus summarises recent list call outcomes.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
)

// Health is a point-in-time copy of the poll health counters.
type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailure         time.Time    `json:"lastFailure,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess,omitempty"`
}

// pollHealth tracks consecutive list failures. Fields are protected by mu
// because refreshes write them while the HTTP health handler reads them.
type pollHealth struct {
	mu          sync.Mutex
	threshold   int
	failures    int
	lastErr     string
	lastFailure time.Time
	lastSuccess time.Time
	lastStatus  HealthStatus
}

func newPollHealth(threshold int) *pollHealth {
	if threshold <= 0 {
		threshold = 3
	}
	return &pollHealth{threshold: threshold, lastStatus: StatusHealthy}
}

// recordSuccess resets the failure counter. changed reports a transition
// back to healthy.
func (h *pollHealth) recordSuccess(at time.Time) (changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastSuccess = at
	return h.transitionLocked()
}

// recordFailure bumps the failure counter. changed reports a transition to
// degraded.
func (h *pollHealth) recordFailure(err error, at time.Time) (changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFailure = at
	return h.transitionLocked()
}

// transitionLocked updates lastStatus. Caller must hold h.mu.
func (h *pollHealth) transitionLocked() bool {
	status := h.statusLocked()
	changed := status != h.lastStatus
	h.lastStatus = status
	return changed
}

func (h *pollHealth) statusLocked() HealthStatus {
	if h.failures >= h.threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *pollHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		Status:              h.statusLocked(),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastFailure:         h.lastFailure,
		LastSuccess:         h.lastSuccess,
	}
}
