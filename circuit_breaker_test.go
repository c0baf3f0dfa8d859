package tangguh

import (
	"sync"
	"testing"
	"time"
)

func newTestBreaker(config CircuitBreakerConfig, clk *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(config)
	cb.now = clk.Now
	return cb
}

func TestNewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	})

	if cb == nil {
		t.Fatal("NewCircuitBreaker() returned nil")
	}
	if cb.failureThreshold != 3 {
		t.Errorf("Expected failureThreshold=3, got %d", cb.failureThreshold)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("Expected resetTimeout=30s, got %v", cb.resetTimeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected initial state=closed, got %v", cb.State())
	}
}

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.failureThreshold != 5 {
		t.Errorf("Expected default failureThreshold=5, got %d", cb.failureThreshold)
	}
	if cb.resetTimeout != 60*time.Second {
		t.Errorf("Expected default resetTimeout=60s, got %v", cb.resetTimeout)
	}
}

func TestCircuitBreakerAllowClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	ok, wait := cb.Allow()
	if !ok {
		t.Error("Expected closed breaker to allow calls")
	}
	if wait != 0 {
		t.Errorf("Expected no wait when closed, got %v", wait)
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, clk)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed after 2 failures, got %v", cb.State())
	}
	if cb.FailureCount() != 2 {
		t.Errorf("Expected failureCount=2, got %d", cb.FailureCount())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("Expected state=open after 3rd failure, got %v", cb.State())
	}

	// The count restarts for the next closed cycle once the breaker trips.
	if cb.FailureCount() != 0 {
		t.Errorf("Expected failureCount reset to 0 on trip, got %d", cb.FailureCount())
	}
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, clk)

	cb.RecordFailure()

	ok, wait := cb.Allow()
	if ok {
		t.Fatal("Expected open breaker to reject calls")
	}
	if wait != time.Minute {
		t.Errorf("Expected remaining wait=1m right after opening, got %v", wait)
	}

	clk.Advance(20 * time.Second)
	ok, wait = cb.Allow()
	if ok {
		t.Fatal("Expected rejection before the reset timeout elapsed")
	}
	if wait != 40*time.Second {
		t.Errorf("Expected remaining wait=40s after 20s elapsed, got %v", wait)
	}
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, clk)

	cb.RecordFailure()
	clk.Advance(time.Minute)

	ok, wait := cb.Allow()
	if !ok {
		t.Fatal("Expected probe to be allowed once the reset timeout elapsed")
	}
	if wait != 0 {
		t.Errorf("Expected no wait for the probe, got %v", wait)
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state=half-open, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, clk)

	cb.RecordFailure()
	clk.Advance(time.Minute)
	cb.Allow()

	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed after probe success, got %v", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("Expected failureCount=0 after closing, got %d", cb.FailureCount())
	}

	if ok, _ := cb.Allow(); !ok {
		t.Error("Expected calls to pass after the breaker closed")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := newFakeClock()
	// A high threshold must not matter in half-open: one probe failure reopens.
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}, clk)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clk.Advance(time.Minute)
	cb.Allow()
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected state=half-open, got %v", cb.State())
	}

	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("Expected single probe failure to reopen, got %v", cb.State())
	}

	// The cooldown restarts from the probe failure.
	ok, wait := cb.Allow()
	if ok {
		t.Fatal("Expected rejection right after reopening")
	}
	if wait != time.Minute {
		t.Errorf("Expected fresh wait=1m after reopening, got %v", wait)
	}
}

func TestCircuitBreakerFailureWhileOpenKeepsCooldown(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, clk)

	cb.RecordFailure()
	clk.Advance(30 * time.Second)

	// A slow in-flight call reporting its failure after the trip must not
	// push the reopen time further out.
	cb.RecordFailure()
	clk.Advance(31 * time.Second)

	if ok, _ := cb.Allow(); !ok {
		t.Error("Expected probe after the original cooldown despite a late failure report")
	}
}

func TestCircuitBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("Expected interleaved success to break the failure streak, got %v", cb.State())
	}
	if cb.FailureCount() != 2 {
		t.Errorf("Expected failureCount=2, got %d", cb.FailureCount())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, clk)

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("Expected state=open, got %v", cb.State())
	}

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected state=closed after Reset, got %v", cb.State())
	}
	if ok, _ := cb.Allow(); !ok {
		t.Error("Expected calls to pass after Reset, without waiting out the cooldown")
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, clk)

	var mu sync.Mutex
	var transitions []string
	cb.onStateChange = func(from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}

	cb.RecordFailure()
	clk.Advance(time.Minute)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Millisecond,
	})

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 200; j++ {
				cb.Allow()
				if j%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	switch cb.State() {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		t.Errorf("Invalid breaker state after concurrent access: %v", cb.State())
	}
}
