package tangguh

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position in its state machine.
type CircuitState int

const (
	// StateClosed lets every call through and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets probe calls through; the first recorded outcome
	// decides whether the breaker closes again or reopens.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the breaker. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Default 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe. Default 60s.
	ResetTimeout time.Duration
}

// CircuitBreaker guards one logical backend. All callers of a client share a
// single instance; it alone decides whether the backend is worth calling.
//
// Transitions: consecutive failures reaching the threshold open the breaker
// and start the reset timer. Once the timer elapses the next check moves to
// half-open and lets that call probe. A probe success closes the breaker, a
// probe failure reopens it with a fresh timer.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	nextAttemptAt time.Time

	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
	onStateChange    func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and the
// reset timeout has not elapsed, it returns false along with the remaining
// cooldown. When the timeout has elapsed, the breaker moves to half-open and
// the call is allowed through as a probe.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		cb.mu.Unlock()
		return true, 0
	case StateOpen:
		now := cb.now()
		if now.Before(cb.nextAttemptAt) {
			remaining := cb.nextAttemptAt.Sub(now)
			cb.mu.Unlock()
			return false, remaining
		}
		notify := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		return true, 0
	}

	cb.mu.Unlock()
	return false, 0
}

// RecordSuccess notes a successful call. In the closed state it clears the
// consecutive-failure count; in half-open it closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := noTransition
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.failureCount = 0
		cb.nextAttemptAt = time.Time{}
		notify = cb.transition(StateClosed)
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure notes a failed call. Reaching the threshold in the closed
// state opens the breaker; any failure in half-open reopens it immediately,
// whatever the threshold. Failures reported while already open come from
// calls started earlier and do not extend the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := noTransition
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.failureCount = 0
			cb.nextAttemptAt = cb.now().Add(cb.resetTimeout)
			notify = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.nextAttemptAt = cb.now().Add(cb.resetTimeout)
		notify = cb.transition(StateOpen)
	}
	cb.mu.Unlock()
	notify()
}

// State returns the breaker's current state. An open breaker whose timeout
// has elapsed still reports open; the half-open transition happens on the
// next Allow.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the consecutive failures recorded in the current
// closed cycle.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset forces the breaker closed and clears its counters. Administrative
// override for when an operator knows the backend has recovered.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.nextAttemptAt = time.Time{}
	notify := noTransition
	if cb.state != StateClosed {
		notify = cb.transition(StateClosed)
	}
	cb.mu.Unlock()
	notify()
}

// transition flips the state and returns the observer callback to run once
// the lock is released. Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) func() {
	from := cb.state
	cb.state = to
	if cb.onStateChange == nil || from == to {
		return noTransition
	}
	fn := cb.onStateChange
	return func() { fn(from, to) }
}

func noTransition() {}
