package resilience

import (
	"sync"
	"testing"
	"time"
)

func openBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.RecordResult(false)
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	openBreaker(cb, 2)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.Allow() {
		t.Error("Expected to reject request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	openBreaker(cb, 2)
	cb.RecordResult(true)
	openBreaker(cb, 2)

	if cb.GetState() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit Closed")
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 50*time.Millisecond)
	openBreaker(cb, 1)

	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("Expected probe %d to be allowed in HalfOpen", i+1)
		}
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("Expected the fourth probe to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("Expected probe %d to be allowed", i+1)
		}
		cb.RecordResult(true)
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state to be Closed after successes in HalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Expected a probe to be allowed after the reset timeout")
	}
	cb.RecordResult(false)

	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after failure in HalfOpen")
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker("sink", 2, 50*time.Millisecond)

	var mu sync.Mutex
	var states []CircuitState
	cb.OnStateChange(func(name string, state CircuitState) {
		if name != "sink" {
			t.Errorf("Expected name 'sink', got '%s'", name)
		}
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	openBreaker(cb, 2)
	time.Sleep(80 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Expected a probe to be allowed after the reset timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateOpen || states[1] != StateHalfOpen {
		t.Errorf("Expected [open half-open], got %v", states)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}
