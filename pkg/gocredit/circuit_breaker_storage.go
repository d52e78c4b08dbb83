package gocredit

import (
	"context"
	"fmt"
	"time"
)

// CircuitBreakerStorage routes every storage call through a CircuitBreaker so
// an unreachable backend fails fast with ErrCircuitOpen.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage wraps storage so every call goes through cb.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{storage: storage, cb: cb}
}

func guarded[T any](ctx context.Context, cb CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (s *CircuitBreakerStorage) WithTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.WithTx(ctx, userID, fn)
	})
}

func (s *CircuitBreakerStorage) ListAllocations(ctx context.Context, userID string) ([]*CreditAllocation, error) {
	return guarded(ctx, s.cb, func() ([]*CreditAllocation, error) {
		return s.storage.ListAllocations(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) GetSession(ctx context.Context, userID, sessionID string) (*StreamingSession, error) {
	return guarded(ctx, s.cb, func() (*StreamingSession, error) {
		return s.storage.GetSession(ctx, userID, sessionID)
	})
}

func (s *CircuitBreakerStorage) ListUsage(ctx context.Context, userID string) ([]*UsageRecord, error) {
	return guarded(ctx, s.cb, func() ([]*UsageRecord, error) {
		return s.storage.ListUsage(ctx, userID)
	})
}

// Now forwards to the wrapped storage when it is a TimeSource.
func (s *CircuitBreakerStorage) Now(ctx context.Context) (time.Time, error) {
	ts, ok := s.storage.(TimeSource)
	if !ok {
		return time.Time{}, fmt.Errorf("wrapped storage has no time source")
	}
	return guarded(ctx, s.cb, func() (time.Time, error) { return ts.Now(ctx) })
}
