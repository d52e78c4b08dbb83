package gocredit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState is the position of a storage breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned without touching storage while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls into a storage backend.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	State() CircuitBreakerState
}

// DefaultCircuitBreaker trips after a run of consecutive storage faults and
// lets a single probe through once resetTimeout has passed since it opened.
//
// Only faults count. Ledger outcomes such as ErrInsufficientCredits or
// ErrSessionNotFound mean the backend answered, so they close the breaker.
type DefaultCircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitBreakerState
	faults    int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	notify    func(CircuitBreakerState)
}

// NewDefaultCircuitBreaker returns a closed breaker. onStateChange, when not
// nil, is called with the new state under the breaker's lock.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	return &DefaultCircuitBreaker{
		state:     StateClosed,
		threshold: failureThreshold,
		cooldown:  resetTimeout,
		now:       time.Now,
		notify:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effective()
}

// effective reports half-open once an open breaker has cooled down; the
// stored state only moves on the next recorded result.
func (cb *DefaultCircuitBreaker) effective() CircuitBreakerState {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.cooldown)) {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(ctx, err)
	return err
}

func (cb *DefaultCircuitBreaker) record(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || IsDomainError(err) {
		cb.faults = 0
		if cb.effective() != StateClosed {
			cb.transition(StateClosed)
		}
		return
	}

	cb.faults++
	switch cb.effective() {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		if cb.faults >= cb.threshold {
			cb.trip()
		}
	}
}

// trip (re)opens the breaker and restarts the cooldown. A failed probe
// reports open again even though the stored state did not change.
func (cb *DefaultCircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.state = StateOpen
	if cb.notify != nil {
		cb.notify(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) transition(to CircuitBreakerState) {
	cb.state = to
	if cb.notify != nil {
		cb.notify(to)
	}
}
