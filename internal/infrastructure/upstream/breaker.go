package upstream

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject calls
	StateHalfOpen              // Testing recovery
)

// String returns a human-readable label for the breaker state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of a breaker, published to the admin
// surface and the metrics recorder.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejected       int64     `json:"total_rejected"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Breaker implements a per-upstream circuit breaker. After the configured
// number of consecutive failures the circuit opens and calls are rejected
// without touching the upstream. Once the recovery timeout elapses the
// circuit half-opens and admits exactly one probe call: its success closes
// the circuit, its failure re-opens it. Extra calls arriving while the probe
// is out are rejected.
type Breaker struct {
	mu                  sync.Mutex
	name                string
	state               State
	consecutiveFailures int
	probeInFlight       bool
	lastProbe           time.Time
	failureThreshold    int
	recoveryTimeout     time.Duration
	lastFailure         time.Time
	totalCalls          int64
	totalFailures       int64
	totalRejected       int64

	// onTransition is invoked outside the lock after every state change.
	onTransition func(name string, from, to State)
}

// NewBreaker creates a breaker for the named upstream.
// failureThreshold: consecutive failures before opening (default 5).
// recoveryTimeout: wait before admitting a probe (default 60s).
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// OnTransition registers a callback for state changes. Must be set before
// the breaker is shared.
func (b *Breaker) OnTransition(fn func(name string, from, to State)) {
	b.onTransition = fn
}

// Allow checks whether a call should be admitted. In the open state it flips
// to half-open once the recovery timeout has elapsed and admits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.probeInFlight = true
			b.lastProbe = time.Now()
			allowed = true
		}
	case StateHalfOpen:
		// One probe at a time. A probe whose caller vanished without
		// recording an outcome stops blocking after another recovery
		// interval.
		if !b.probeInFlight || time.Since(b.lastProbe) >= b.recoveryTimeout {
			b.probeInFlight = true
			b.lastProbe = time.Now()
			allowed = true
		}
	}

	if !allowed {
		b.totalRejected++
	}
	to := b.state
	b.mu.Unlock()

	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
	return allowed
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.totalCalls++
	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probeInFlight = false
	}
	to := b.state
	b.mu.Unlock()

	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.totalCalls++
	b.totalFailures++
	b.consecutiveFailures++
	b.lastFailure = time.Now()

	switch {
	case b.state == StateHalfOpen:
		// Any failure in half-open immediately re-opens.
		b.state = StateOpen
		b.probeInFlight = false
	case b.consecutiveFailures >= b.failureThreshold:
		b.state = StateOpen
	}
	to := b.state
	b.mu.Unlock()

	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalRejected:       b.totalRejected,
		LastFailure:         b.lastFailure,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probeInFlight = false
	to := b.state
	b.mu.Unlock()

	if from != to && b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
