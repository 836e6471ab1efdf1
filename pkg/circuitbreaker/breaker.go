package circuitbreaker

import (
	"sync"
	"time"
)

// State of the circuit
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitBreaker blocks requests for a cool-down period once tripped.
// When the reset timeout elapses the breaker half-opens and lets requests through again.
type CircuitBreaker struct {
	enabled      bool
	resetTimeout time.Duration
	now          func() time.Time

	tripped  bool
	halfOpen bool
	tripTime time.Time
	trips    int
	mu       sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(enabled bool, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		enabled:      enabled,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// WithClock replaces the time source, for tests
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// Trip opens the circuit and starts the cool-down
func (cb *CircuitBreaker) Trip() {
	if !cb.enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = true
	cb.halfOpen = false
	cb.tripTime = cb.now()
	cb.trips++
}

// refresh moves an expired open circuit to half-open. Caller holds mu.
func (cb *CircuitBreaker) refresh() {
	if cb.tripped && cb.now().Sub(cb.tripTime) >= cb.resetTimeout {
		cb.tripped = false
		cb.halfOpen = true
	}
}

// IsOpen returns true while the circuit is tripped and the cool-down has not elapsed
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	return cb.tripped
}

// State returns the current state, half-opening an expired circuit
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	switch {
	case cb.tripped:
		return StateOpen
	case cb.halfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Close ends a half-open trial after a successful request
func (cb *CircuitBreaker) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.halfOpen = false
}

// Remaining returns how long the circuit stays open, zero when closed
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	if !cb.tripped {
		return 0
	}
	return cb.resetTimeout - cb.now().Sub(cb.tripTime)
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.halfOpen = false
}

// GetTripTime returns the time when the circuit was last tripped
func (cb *CircuitBreaker) GetTripTime() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripTime
}

// Trips returns how many times the circuit has been tripped
func (cb *CircuitBreaker) Trips() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}
