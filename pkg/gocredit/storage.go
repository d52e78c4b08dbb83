package gocredit

import (
	"context"
	"sort"
	"time"
)

// Storage defines the interface for ledger persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// WithTx runs fn inside one atomic unit of work scoped to userID.
	// Concurrent units for the same user must be serialized (locking or
	// optimistic retry); fn may therefore be invoked more than once and
	// must not have side effects outside tx. If fn returns an error,
	// none of its writes are applied and the error is returned unchanged.
	WithTx(ctx context.Context, userID string, fn func(tx Tx) error) error

	// ListAllocations returns every allocation of the user, including
	// expired and exhausted ones, in FIFO order.
	ListAllocations(ctx context.Context, userID string) ([]*CreditAllocation, error)

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, userID, sessionID string) (*StreamingSession, error)

	// ListUsage returns the user's usage records ordered by timestamp.
	ListUsage(ctx context.Context, userID string) ([]*UsageRecord, error)
}

// Tx is the set of writes and locked reads available inside Storage.WithTx
type Tx interface {
	// ActiveAllocations returns allocations with ExpiresAt > now and
	// RemainingCredits > 0, locked for the rest of the unit of work.
	ActiveAllocations(ctx context.Context, userID string, now time.Time) ([]*CreditAllocation, error)

	// UpdateRemaining persists a new RemainingCredits value
	UpdateRemaining(ctx context.Context, userID, allocationID string, remaining int64) error

	// InsertAllocation stores a new allocation.
	// Returns ErrDuplicateAllocation if the ID is taken.
	InsertAllocation(ctx context.Context, a *CreditAllocation) error

	// InsertSession stores a new active session.
	// Returns ErrSessionExists if the user already has a session with that ID.
	InsertSession(ctx context.Context, s *StreamingSession) error

	// ClaimSession flips an active session to req.Status and records
	// UsedCredits and CompletedAt as a single conditional write.
	// Returns the updated session, or ErrSessionNotFound if no active
	// session matches (absent, foreign or already terminal).
	ClaimSession(ctx context.Context, req *ClaimRequest) (*StreamingSession, error)

	// AppendUsage appends an immutable usage record
	AppendUsage(ctx context.Context, rec *UsageRecord) error
}

// SortAllocations orders allocations earliest-expiring first, then oldest
// grant first, then by ID.
func SortAllocations(allocs []*CreditAllocation) {
	sort.SliceStable(allocs, func(i, j int) bool {
		a, b := allocs[i], allocs[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if !a.AllocatedAt.Equal(b.AllocatedAt) {
			return a.AllocatedAt.Before(b.AllocatedAt)
		}
		return a.ID < b.ID
	})
}
