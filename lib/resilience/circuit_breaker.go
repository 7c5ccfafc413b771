// This file implements a circuit breaker for connection attempts.
//
// After FailureThreshold consecutive connect failures to one authority the
// circuit opens and further dials fail fast with ErrCircuitOpen. After
// Timeout a limited number of trial dials pass; enough successes close the
// circuit again, any failure re-opens it.
//
//	Closed (normal) -> Open (failing) -> HalfOpen (testing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if test fails)
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
)

// ErrCircuitOpen is returned when a dial is rejected by an open circuit.
var ErrCircuitOpen = apperrors.ErrCircuitOpen

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - dials pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is tripped - dials fail immediately.
	CircuitOpen
	// CircuitHalfOpen means trial dials are testing whether the peer recovered.
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// circuit. Zero or less disables breaking.
	FailureThreshold int
	// SuccessThreshold is the number of trial successes that close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before trials are allowed.
	Timeout time.Duration
	// MaxHalfOpenRequests bounds concurrent trial dials.
	MaxHalfOpenRequests int
	// IsFailure decides which errors count against the circuit. Nil counts
	// connect-class errors.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns defaults suited to dialing origin servers.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	if c.IsFailure == nil {
		c.IsFailure = apperrors.IsConnect
	}
	return c
}

// CircuitBreaker tracks the health of dials to one authority.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string
	now    func() time.Time

	state            CircuitState
	failures         int
	successes        int
	halfOpenInFlight int
	openedAt         time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: cfg.withDefaults(),
		name:   name,
		now:    time.Now,
	}
}

// Name returns the name of this circuit breaker.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a dial may proceed. Every allowed dial must be
// followed by exactly one Record or Release call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return cb.rejectLocked()
		}
		cb.transitionTo(CircuitHalfOpen)
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			return cb.rejectLocked()
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) rejectLocked() error {
	CircuitBreakerRejections.Inc()
	return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
}

// Record records the outcome of an allowed dial.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.config.IsFailure(err)
	if cb.state == CircuitHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	switch cb.state {
	case CircuitClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		if failed {
			cb.transitionTo(CircuitOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		// A dial allowed before the circuit opened finished late.
	}
}

// Release ends an allowed dial without an outcome, for example when the
// caller gave up. A half-open trial slot is handed back; counters are left
// as they were.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// transitionTo changes the circuit state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.halfOpenInFlight = 0
		CircuitBreakerTrips.Inc()
	case CircuitHalfOpen:
		cb.successes = 0
		cb.halfOpenInFlight = 0
	}

	log.WithField("circuit", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("circuit breaker state transition")
}

// Execute runs fn if the circuit allows it and records the result.
// Cancellation of ctx is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.Release()
		return err
	}
	cb.Record(err)
	return err
}
