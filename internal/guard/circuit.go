package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips a key after failThreshold consecutive failures. Once
// resetTimeout has passed it lets one trial through at a time; the trial's
// outcome closes or re-opens the circuit. A trial that reports neither
// outcome within resetTimeout frees its slot for the next caller.
type CircuitBreaker struct {
	mu            sync.Mutex
	circuits      map[string]*circuit
	failThreshold int
	resetTimeout  time.Duration
	now           func() time.Time
	onChange      func(key string, from, to CircuitState)
}

type circuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
	inTrial  bool
	trialAt  time.Time
}

// NewCircuitBreaker creates a circuit breaker with configurable thresholds.
func NewCircuitBreaker(failThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		circuits:      make(map[string]*circuit),
		failThreshold: max(failThreshold, 1),
		resetTimeout:  resetTimeout,
		now:           time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) { cb.now = now }

// OnStateChange registers fn to be called (under the breaker's lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(key string, from, to CircuitState)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

func (cb *CircuitBreaker) get(key string) *circuit {
	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{}
		cb.circuits[key] = c
	}
	return c
}

func (cb *CircuitBreaker) transition(key string, c *circuit, to CircuitState) {
	from := c.state
	c.state = to
	if from != to && cb.onChange != nil {
		cb.onChange(key, from, to)
	}
}

// Check reports whether a call for key may proceed.
func (cb *CircuitBreaker) Check(_ context.Context, key string) domain.GuardResult {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	switch c.state {
	case CircuitOpen:
		wait := c.openedAt.Add(cb.resetTimeout).Sub(cb.now())
		if wait > 0 {
			return domain.GuardResult{
				Reason:     fmt.Sprintf("circuit %s open", key),
				Guard:      "circuit_breaker",
				RetryAfter: wait,
			}
		}
		cb.transition(key, c, CircuitHalfOpen)
		c.inTrial, c.trialAt = true, cb.now()
		return domain.GuardResult{Allowed: true}
	case CircuitHalfOpen:
		if wait := c.trialAt.Add(cb.resetTimeout).Sub(cb.now()); c.inTrial && wait > 0 {
			return domain.GuardResult{
				Reason:     fmt.Sprintf("circuit %s on trial", key),
				Guard:      "circuit_breaker",
				RetryAfter: wait,
			}
		}
		c.inTrial, c.trialAt = true, cb.now()
		return domain.GuardResult{Allowed: true}
	}
	return domain.GuardResult{Allowed: true}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	c.failures = 0
	c.inTrial = false
	cb.transition(key, c, CircuitClosed)
}

// RecordFailure counts a failure. A failed trial re-opens immediately.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(key)
	c.failures++
	c.inTrial = false
	if c.state == CircuitHalfOpen || c.failures >= cb.failThreshold {
		c.openedAt = cb.now()
		cb.transition(key, c, CircuitOpen)
	}
}

// State returns the current state of key's circuit.
func (cb *CircuitBreaker) State(key string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[key]; ok {
		return c.state
	}
	return CircuitClosed
}
