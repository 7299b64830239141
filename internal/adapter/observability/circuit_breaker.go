package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState enumerates the breaker positions.
type CircuitBreakerState int

// Positions: closed admits calls, open rejects them outright, half-open
// admits a probe quota after the cooldown.
const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// String reports the conventional name of the position.
func (s CircuitBreakerState) String() string {
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

// CircuitBreaker fails SSH calls fast once a cluster's login node stops
// answering, instead of queueing 60 second timeouts behind it. After
// maxFailures consecutive errors the breaker opens; once the cooldown
// passes, a probe quota is admitted and either recloses or reopens it.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probeQuota  int

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

// NewCircuitBreaker returns a closed breaker that needs three
// successful probes to reclose after opening.
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		probeQuota:  3,
	}
}

// Call executes fn unless the breaker is open. fn runs outside the
// breaker lock; its error feeds the state.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.cooldown {
		cb.state = StateHalfOpen
		cb.probes = 0
	}

	admitted := cb.state == StateClosed ||
		(cb.state == StateHalfOpen && cb.probes < cb.probeQuota)
	if !admitted {
		RecordCircuitBreakerStatus(cb.name, int(cb.state))
		return fmt.Errorf("circuit breaker %s is %s", cb.name, cb.state)
	}
	return nil
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.probes++
			if cb.probes >= cb.probeQuota {
				cb.state = StateClosed
				cb.failures = 0
				cb.probes = 0
			}
		}
	}
	RecordCircuitBreakerStatus(cb.name, int(cb.state))
}

// GetState returns the current breaker position.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether calls are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}

// Reset forces the breaker closed and forgets its failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
}
