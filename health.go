package genroute

import (
	"sync"
	"time"
)

// CircuitState describes a model's circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ModelHealth is a snapshot of a model's tracked health.
type ModelHealth struct {
	State               CircuitState
	ConsecutiveFailures int
	TotalFailures       int64
	LastSuccess         time.Time
	LastFailure         time.Time
	OpenedAt            time.Time
}

// HealthTracker tracks per-model circuit state. State is process-local and
// advisory: each process converges on a repeatedly failing model through
// its own observations, and no circuit state crosses process boundaries.
type HealthTracker struct {
	mu     sync.Mutex
	models map[string]*modelHealth
	now    func() time.Time
}

type modelHealth struct {
	state               CircuitState
	consecutiveFailures int
	totalFailures       int64
	lastSuccess         time.Time
	lastFailure         time.Time
	openedAt            time.Time
	probeHeld           bool
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		models: make(map[string]*modelHealth),
		now:    time.Now,
	}
}

// State returns the circuit state for a model. An Open circuit whose
// cooldown (the model's circuit_breaker_timeout) has elapsed transitions to
// HalfOpen here.
func (h *HealthTracker) State(m ModelDescriptor) CircuitState {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, ok := h.models[m.Name]
	if !ok {
		return CircuitClosed
	}
	if mh.state == CircuitOpen && h.now().Sub(mh.openedAt) >= m.CircuitBreakerTimeout() {
		mh.state = CircuitHalfOpen
	}
	return mh.state
}

// AcquireProbe claims the single half-open probe slot for a model. Exactly
// one concurrent caller gets true; that caller either sends the probe
// request (its outcome releases the slot) or returns the slot with
// ReleaseProbe.
func (h *HealthTracker) AcquireProbe(model string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, ok := h.models[model]
	if !ok || mh.state != CircuitHalfOpen || mh.probeHeld {
		return false
	}
	mh.probeHeld = true
	return true
}

// ReleaseProbe returns an unused probe slot.
func (h *HealthTracker) ReleaseProbe(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if mh, ok := h.models[model]; ok {
		mh.probeHeld = false
	}
}

// RecordSuccess closes the circuit, resets the consecutive failure count,
// and stamps the last success time.
func (h *HealthTracker) RecordSuccess(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(model)
	mh.state = CircuitClosed
	mh.consecutiveFailures = 0
	mh.lastSuccess = h.now()
	mh.probeHeld = false
}

// RecordFailure counts a failure against the model. The circuit opens when
// consecutive failures reach the model's threshold; a half-open failure
// re-opens it immediately and restarts the cooldown. Failures while Open do
// not extend the cooldown.
func (h *HealthTracker) RecordFailure(m ModelDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(m.Name)
	now := h.now()
	mh.consecutiveFailures++
	mh.totalFailures++
	mh.lastFailure = now
	mh.probeHeld = false

	switch {
	case mh.state == CircuitHalfOpen:
		mh.state = CircuitOpen
		mh.openedAt = now
	case mh.state == CircuitClosed &&
		m.CircuitBreakerThreshold > 0 &&
		mh.consecutiveFailures >= m.CircuitBreakerThreshold:
		mh.state = CircuitOpen
		mh.openedAt = now
	}
}

// Snapshot returns a copy of the tracked health for a model.
func (h *HealthTracker) Snapshot(model string) ModelHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, ok := h.models[model]
	if !ok {
		return ModelHealth{State: CircuitClosed}
	}
	return ModelHealth{
		State:               mh.state,
		ConsecutiveFailures: mh.consecutiveFailures,
		TotalFailures:       mh.totalFailures,
		LastSuccess:         mh.lastSuccess,
		LastFailure:         mh.lastFailure,
		OpenedAt:            mh.openedAt,
	}
}

func (h *HealthTracker) getOrCreate(model string) *modelHealth {
	mh, ok := h.models[model]
	if !ok {
		mh = &modelHealth{state: CircuitClosed}
		h.models[model] = mh
	}
	return mh
}
