package upstream

import (
	"sync"
	"time"
)

// State is the health of one upstream.
type State uint8

const (
	Healthy State = iota
	Degraded
	Unhealthy
)

func (s State) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return "healthy"
}

const (
	// consecutive failures before entering Degraded / Unhealthy
	degradedThreshold  = 3
	unhealthyThreshold = 5
	// consecutive successes before returning to Healthy
	recoverThreshold = 2
	// cooldown before an Unhealthy upstream receives a recovery probe
	probeCooldown = 30 * time.Second
)

// Health tracks per-upstream failure state: Healthy -> Degraded ->
// Unhealthy, with recovery probes after a cooldown. All methods are safe
// for concurrent use; each upstream owns one independently locked Health.
type Health struct {
	mu sync.Mutex

	state     State
	failures  int
	successes int
	lastFail  time.Time
	probeAt   time.Time

	// Testing.
	now func() time.Time
}

// NewHealth returns a Healthy state.
func NewHealth() *Health {
	return &Health{now: time.Now}
}

// State returns the current state.
func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// LastFailure returns the time of the most recent failure.
func (h *Health) LastFailure() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastFail
}

// Fail records one failed attempt.
func (h *Health) Fail() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures++
	h.successes = 0
	h.lastFail = h.now()

	switch {
	case h.failures >= unhealthyThreshold:
		if h.state != Unhealthy {
			h.state = Unhealthy
		}
		h.probeAt = h.now().Add(probeCooldown)
	case h.failures >= degradedThreshold:
		if h.state == Healthy {
			h.state = Degraded
		}
	}
}

// Success records one successful attempt.
func (h *Health) Success() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures = 0

	if h.state == Healthy {
		return
	}

	h.successes++
	if h.successes >= recoverThreshold {
		h.state = Healthy
		h.successes = 0
	}
}

// Available reports whether the upstream should receive the next query.
// Unhealthy upstreams are skipped until the probe cooldown elapses; when it
// does, exactly one caller is admitted as a recovery probe and the window
// is pushed forward.
func (h *Health) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Unhealthy {
		return true
	}

	if !h.now().Before(h.probeAt) {
		h.probeAt = h.now().Add(probeCooldown)
		return true
	}

	return false
}
