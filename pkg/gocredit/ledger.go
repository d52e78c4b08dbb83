package gocredit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	allocationNamespace = uuid.MustParse("6f1c2a0e-8d4b-4c57-9e43-2b7f0d1a5c39")
	usageNamespace      = uuid.MustParse("b3e9d7c4-1f62-4a85-8c0d-74e5a9f2b611")
	// refunds live apart from caller keys, so no idempotency key can
	// collide with a session's refund
	refundNamespace = uuid.MustParse("d41a6e08-57c3-4b9f-a2e6-0c8f13b7954d")
)

// AllocateOption represents an option for the Allocate operation
type AllocateOption func(*AllocateOptions)

// AllocateOptions holds options for the Allocate operation
type AllocateOptions struct {
	IdempotencyKey string
}

// WithIdempotencyKey derives the allocation ID from key, so replaying the same
// grant fails with ErrDuplicateAllocation instead of crediting twice.
func WithIdempotencyKey(key string) AllocateOption {
	return func(opts *AllocateOptions) {
		opts.IdempotencyKey = key
	}
}

// CreditLedger owns credit allocations: balance queries, grants and
// expiry-ordered deduction.
type CreditLedger struct {
	storage Storage
	config  Config
}

// NewCreditLedger creates a ledger over storage. When the circuit breaker is
// enabled in config, storage is wrapped in a CircuitBreakerStorage.
func NewCreditLedger(storage Storage, config Config) (*CreditLedger, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config = config.withDefaults()

	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		metrics, logger := config.Metrics, config.Logger
		breaker := NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("storage circuit breaker state changed", Field{Key: "state", Value: string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}

	return &CreditLedger{storage: storage, config: config}, nil
}

// Balance sums RemainingCredits over the user's non-expired allocations.
func (l *CreditLedger) Balance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, invalidf("userID is required")
	}

	now := l.now(ctx)
	allocs, err := l.listAllocations(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance := &Balance{
		UserID:            userID,
		ActiveAllocations: []AllocationSummary{},
		AsOf:              now,
	}
	for _, a := range allocs {
		if !a.Active(now) {
			continue
		}
		balance.TotalCredits += a.RemainingCredits
		balance.ActiveAllocations = append(balance.ActiveAllocations, AllocationSummary{
			ID:          a.ID,
			Credits:     a.RemainingCredits,
			ExpiresAt:   a.ExpiresAt,
			AllocatedAt: a.AllocatedAt,
		})
	}
	return balance, nil
}

// Sufficient reports whether the balance covers amount. It is advisory only:
// Deduct and Initialize re-check inside their own transaction.
func (l *CreditLedger) Sufficient(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, invalidf("required credits must not be negative, got %d", amount)
	}
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.TotalCredits >= amount, nil
}

// Allocate grants credits expiring expiryDays from now.
func (l *CreditLedger) Allocate(
	ctx context.Context, userID string, credits int64, allocatedBy string, expiryDays int, notes string,
	opts ...AllocateOption,
) (*CreditAllocation, error) {
	options := &AllocateOptions{}
	for _, opt := range opts {
		opt(options)
	}

	switch {
	case userID == "":
		return nil, invalidf("userID is required")
	case credits <= 0:
		return nil, invalidf("credits must be positive, got %d", credits)
	case expiryDays <= 0:
		return nil, invalidf("expiryDays must be positive, got %d", expiryDays)
	case allocatedBy == "":
		return nil, invalidf("allocatedBy is required")
	}

	id := grantID(userID, options.IdempotencyKey)
	alloc := newAllocation(id, userID, credits, allocatedBy, expiryDays, notes, l.now(ctx))

	start := time.Now()
	err := l.storage.WithTx(ctx, userID, func(tx Tx) error {
		return tx.InsertAllocation(ctx, alloc)
	})
	l.config.Metrics.RecordStorageOperation("allocate", time.Since(start), storageFault(err))
	if err != nil {
		return nil, l.fail("allocate", err, Field{Key: "user_id", Value: userID})
	}

	l.config.Metrics.RecordAllocation(l.allocationSource(allocatedBy), credits)
	l.config.Logger.Info("credits allocated",
		Field{Key: "user_id", Value: userID},
		Field{Key: "allocation_id", Value: alloc.ID},
		Field{Key: "credits", Value: credits},
		Field{Key: "allocated_by", Value: allocatedBy},
		Field{Key: "expires_at", Value: alloc.ExpiresAt},
	)
	return alloc, nil
}

// Deduct consumes amount from the user's allocations, earliest-expiring first,
// in a single transaction. On ErrInsufficientCredits nothing is written.
func (l *CreditLedger) Deduct(ctx context.Context, userID string, amount int64) ([]Deduction, error) {
	if userID == "" {
		return nil, invalidf("userID is required")
	}
	if amount < 0 {
		return nil, invalidf("amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		return nil, nil
	}

	now := l.now(ctx)
	var portions []Deduction

	start := time.Now()
	err := l.storage.WithTx(ctx, userID, func(tx Tx) error {
		var e error
		portions, e = l.deductTx(ctx, tx, userID, amount, now)
		return e
	})
	l.config.Metrics.RecordStorageOperation("deduct", time.Since(start), storageFault(err))
	l.config.Metrics.RecordDeduction(amount, err == nil)
	if err != nil {
		return nil, l.fail("deduct", err, Field{Key: "user_id", Value: userID}, Field{Key: "amount", Value: amount})
	}

	l.config.Logger.Debug("credits deducted",
		Field{Key: "user_id", Value: userID},
		Field{Key: "amount", Value: amount},
		Field{Key: "allocations", Value: len(portions)},
	)
	return portions, nil
}

// Allocations returns every allocation of the user in FIFO order, including
// expired and exhausted ones.
func (l *CreditLedger) Allocations(ctx context.Context, userID string) ([]*CreditAllocation, error) {
	if userID == "" {
		return nil, invalidf("userID is required")
	}
	return l.listAllocations(ctx, userID)
}

// Usage returns the user's usage records.
func (l *CreditLedger) Usage(ctx context.Context, userID string) ([]*UsageRecord, error) {
	if userID == "" {
		return nil, invalidf("userID is required")
	}
	start := time.Now()
	records, err := l.storage.ListUsage(ctx, userID)
	l.config.Metrics.RecordStorageOperation("list_usage", time.Since(start), storageFault(err))
	if err != nil {
		return nil, l.fail("list usage", err, Field{Key: "user_id", Value: userID})
	}
	return records, nil
}

// deductTx is the expiry-ordered deduction, run inside a caller's transaction.
func (l *CreditLedger) deductTx(
	ctx context.Context, tx Tx, userID string, amount int64, now time.Time,
) ([]Deduction, error) {
	if amount == 0 {
		return nil, nil
	}

	allocs, err := tx.ActiveAllocations(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	SortAllocations(allocs)

	var available int64
	for _, a := range allocs {
		if a.Active(now) {
			available += a.RemainingCredits
		}
	}
	if available < amount {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, amount, available)
	}

	portions := make([]Deduction, 0, len(allocs))
	need := amount
	for _, a := range allocs {
		if need == 0 {
			break
		}
		if !a.Active(now) {
			continue
		}
		take := min(a.RemainingCredits, need)
		if err := tx.UpdateRemaining(ctx, userID, a.ID, a.RemainingCredits-take); err != nil {
			return nil, err
		}
		portions = append(portions, Deduction{AllocationID: a.ID, Amount: take})
		need -= take
	}
	return portions, nil
}

func newAllocation(
	id, userID string, credits int64, allocatedBy string, expiryDays int, notes string, now time.Time,
) *CreditAllocation {
	return &CreditAllocation{
		ID:               id,
		UserID:           userID,
		TotalCredits:     credits,
		RemainingCredits: credits,
		AllocatedBy:      allocatedBy,
		AllocatedAt:      now,
		ExpiresAt:        now.AddDate(0, 0, expiryDays),
		Notes:            notes,
	}
}

func (l *CreditLedger) listAllocations(ctx context.Context, userID string) ([]*CreditAllocation, error) {
	start := time.Now()
	allocs, err := l.storage.ListAllocations(ctx, userID)
	l.config.Metrics.RecordStorageOperation("list_allocations", time.Since(start), storageFault(err))
	if err != nil {
		return nil, l.fail("list allocations", err, Field{Key: "user_id", Value: userID})
	}
	SortAllocations(allocs)
	return allocs, nil
}

func (l *CreditLedger) allocationSource(allocatedBy string) string {
	if allocatedBy == l.config.RefundIssuer {
		return "refund"
	}
	return "grant"
}

// now prefers an explicit clock, then storage time, then the wall clock.
func (l *CreditLedger) now(ctx context.Context) time.Time {
	if l.config.Clock != nil {
		return l.config.Clock.Now().UTC()
	}
	if ts, ok := l.storage.(TimeSource); ok {
		if t, err := ts.Now(ctx); err == nil {
			return t.UTC()
		}
	}
	return SystemClock.Now()
}

// fail logs storage faults and tags them with ErrPersistenceFailure.
// Domain errors are returned as-is.
func (l *CreditLedger) fail(op string, err error, fields ...Field) error {
	if IsDomainError(err) {
		return err
	}
	l.config.Logger.Error(op+" failed", append(fields, Field{Key: "error", Value: err.Error()})...)
	return persistenceError(op, err)
}

// storageFault hides business outcomes from storage error metrics.
func storageFault(err error) error {
	if err == nil || IsDomainError(err) {
		return nil
	}
	return err
}

// grantID is random unless the caller supplied an idempotency key.
func grantID(userID, key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(allocationNamespace, []byte(userID+"\x00"+key)).String()
}

func refundID(userID, sessionID string) string {
	return uuid.NewSHA1(refundNamespace, []byte(userID+"\x00"+sessionID)).String()
}

func usageRecordID(userID, sessionID string) string {
	return uuid.NewSHA1(usageNamespace, []byte(userID+"\x00"+sessionID)).String()
}
