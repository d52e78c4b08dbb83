// Package storagetest holds the behavioral suite every gocredit.Storage
// backend must pass. Backend tests call Run with a constructor that returns
// an empty storage.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Epoch is the fixed start time used by the suite; microsecond precision
// keeps it exact in every backend.
var Epoch = time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)

// Clock is a settable gocredit.Clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now implements gocredit.Clock
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory returns an empty storage for one subtest
type Factory func(t *testing.T) gocredit.Storage

// Run executes the suite against storages produced by newStorage
func Run(t *testing.T, newStorage Factory) {
	t.Run("AllocationsListedInExpiryOrder", func(t *testing.T) { testAllocationOrder(t, newStorage(t)) })
	t.Run("ActiveAllocationsFilter", func(t *testing.T) { testActiveFilter(t, newStorage(t)) })
	t.Run("DuplicateAllocation", func(t *testing.T) { testDuplicateAllocation(t, newStorage(t)) })
	t.Run("FailedTxWritesNothing", func(t *testing.T) { testRollback(t, newStorage(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStorage(t)) })
	t.Run("UsageAppend", func(t *testing.T) { testUsage(t, newStorage(t)) })
	t.Run("ExpiryFIFODeduction", func(t *testing.T) { testExpiryFIFO(t, newStorage(t)) })
	t.Run("NoOverdraft", func(t *testing.T) { testNoOverdraft(t, newStorage(t)) })
	t.Run("StreamingReconciliation", func(t *testing.T) { testReconciliation(t, newStorage(t)) })
	t.Run("IdempotentFinalize", func(t *testing.T) { testIdempotentFinalize(t, newStorage(t)) })
	t.Run("ConcurrentInitialize", func(t *testing.T) { testConcurrentInitialize(t, newStorage(t)) })
}

func newManager(t *testing.T, storage gocredit.Storage, clock *Clock) *gocredit.Manager {
	t.Helper()
	m, err := gocredit.NewManager(storage, gocredit.Config{
		Pricing: gocredit.PricingConfig{Rates: map[string]float64{"model-3": 3}},
		Clock:   clock,
	})
	require.NoError(t, err)
	return m
}

func allocation(userID, id string, credits int64, allocatedAt time.Time, ttl time.Duration) *gocredit.CreditAllocation {
	return &gocredit.CreditAllocation{
		ID:               id,
		UserID:           userID,
		TotalCredits:     credits,
		RemainingCredits: credits,
		AllocatedBy:      "admin",
		AllocatedAt:      allocatedAt,
		ExpiresAt:        allocatedAt.Add(ttl),
		Notes:            "test grant " + id,
	}
}

func insert(t *testing.T, storage gocredit.Storage, allocs ...*gocredit.CreditAllocation) {
	t.Helper()
	ctx := context.Background()
	for _, a := range allocs {
		err := storage.WithTx(ctx, a.UserID, func(tx gocredit.Tx) error {
			return tx.InsertAllocation(ctx, a)
		})
		require.NoError(t, err)
	}
}

func ids(allocs []*gocredit.CreditAllocation) []string {
	out := make([]string, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a.ID)
	}
	return out
}

func testAllocationOrder(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	day := 24 * time.Hour
	insert(t, storage,
		allocation("u1", "c", 5, Epoch, 10*day),
		allocation("u1", "b", 5, Epoch.Add(-time.Hour), 10*day+time.Hour), // same expiry, older grant
		allocation("u1", "a", 5, Epoch, 2*day),
		allocation("u1", "d", 5, Epoch, 10*day), // same expiry and grant time as c
		allocation("u2", "x", 5, Epoch, day),
	)

	allocs, err := storage.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(allocs))
	assert.Equal(t, "test grant a", allocs[0].Notes)
	assert.Equal(t, "admin", allocs[0].AllocatedBy)
	assert.True(t, allocs[0].ExpiresAt.Equal(Epoch.Add(2*day)))

	none, err := storage.ListAllocations(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testActiveFilter(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	insert(t, storage,
		allocation("u1", "expired", 5, Epoch.Add(-2*time.Hour), time.Hour),
		allocation("u1", "boundary", 5, Epoch.Add(-time.Hour), time.Hour), // expiresAt == now is inert
		allocation("u1", "live", 5, Epoch, time.Hour),
		allocation("u1", "drained", 5, Epoch, time.Hour),
	)
	require.NoError(t, storage.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		return tx.UpdateRemaining(ctx, "u1", "drained", 0)
	}))

	var active []*gocredit.CreditAllocation
	require.NoError(t, storage.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		var err error
		active, err = tx.ActiveAllocations(ctx, "u1", Epoch)
		return err
	}))
	assert.Equal(t, []string{"live"}, ids(active))

	all, err := storage.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, a := range all {
		if a.ID == "drained" {
			assert.Equal(t, int64(0), a.RemainingCredits)
			assert.Equal(t, int64(5), a.TotalCredits)
		}
	}
}

func testDuplicateAllocation(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	insert(t, storage, allocation("u1", "grant-1", 5, Epoch, time.Hour))

	err := storage.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		return tx.InsertAllocation(ctx, allocation("u1", "grant-1", 7, Epoch, time.Hour))
	})
	assert.ErrorIs(t, err, gocredit.ErrDuplicateAllocation)

	allocs, err := storage.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, int64(5), allocs[0].TotalCredits)
}

func testRollback(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	insert(t, storage, allocation("u1", "base", 10, Epoch, time.Hour))
	boom := errors.New("boom")

	err := storage.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		if err := tx.UpdateRemaining(ctx, "u1", "base", 1); err != nil {
			return err
		}
		if err := tx.InsertAllocation(ctx, allocation("u1", "extra", 3, Epoch, time.Hour)); err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, &gocredit.StreamingSession{
			SessionID: "s1", UserID: "u1", ModelID: "m", Status: gocredit.SessionActive, StartedAt: Epoch,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	allocs, err := storage.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, int64(10), allocs[0].RemainingCredits)

	_, err = storage.GetSession(ctx, "u1", "s1")
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)
}

func testSessionLifecycle(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	session := &gocredit.StreamingSession{
		SessionID:        "s1",
		UserID:           "u1",
		ModelID:          "model-3",
		EstimatedCredits: 6,
		AllocatedCredits: 8,
		Status:           gocredit.SessionActive,
		StartedAt:        Epoch,
	}
	insertSession := func(s *gocredit.StreamingSession) error {
		return storage.WithTx(ctx, s.UserID, func(tx gocredit.Tx) error {
			return tx.InsertSession(ctx, s)
		})
	}
	require.NoError(t, insertSession(session))
	assert.ErrorIs(t, insertSession(session), gocredit.ErrSessionExists)

	// the same session ID is free for another user
	other := *session
	other.UserID = "u2"
	require.NoError(t, insertSession(&other))

	got, err := storage.GetSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionActive, got.Status)
	assert.Equal(t, int64(8), got.AllocatedCredits)
	assert.Nil(t, got.CompletedAt)

	_, err = storage.GetSession(ctx, "u3", "s1")
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)

	claim := func(userID string) (*gocredit.StreamingSession, error) {
		var claimed *gocredit.StreamingSession
		err := storage.WithTx(ctx, userID, func(tx gocredit.Tx) error {
			var e error
			claimed, e = tx.ClaimSession(ctx, &gocredit.ClaimRequest{
				UserID:      userID,
				SessionID:   "s1",
				Status:      gocredit.SessionCompleted,
				UsedCredits: 5,
				CompletedAt: Epoch.Add(time.Minute),
			})
			return e
		})
		return claimed, err
	}

	_, err = claim("u3")
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)

	claimed, err := claim("u1")
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionCompleted, claimed.Status)
	assert.Equal(t, "model-3", claimed.ModelID)
	assert.Equal(t, int64(5), claimed.UsedCredits)
	require.NotNil(t, claimed.CompletedAt)
	assert.True(t, claimed.CompletedAt.Equal(Epoch.Add(time.Minute)))

	_, err = claim("u1")
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)

	stored, err := storage.GetSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionCompleted, stored.Status)

	stillActive, err := storage.GetSession(ctx, "u2", "s1")
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionActive, stillActive.Status)
}

func testUsage(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	for i, service := range []string{gocredit.ServiceStreaming, gocredit.ServiceStreamingAborted} {
		rec := &gocredit.UsageRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			UserID:    "u1",
			Timestamp: Epoch.Add(time.Duration(i) * time.Second),
			Service:   service,
			Operation: "model-3",
			Credits:   int64(i + 1),
			Metadata: gocredit.UsageMetadata{
				SessionID:        fmt.Sprintf("s%d", i),
				Units:            1000,
				DurationSeconds:  1.5,
				AllocatedCredits: 8,
			},
		}
		require.NoError(t, storage.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
			return tx.AppendUsage(ctx, rec)
		}))
	}

	records, err := storage.ListUsage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, gocredit.ServiceStreaming, records[0].Service)
	assert.Equal(t, gocredit.ServiceStreamingAborted, records[1].Service)
	assert.Equal(t, "s1", records[1].Metadata.SessionID)
	assert.Equal(t, int64(1000), records[1].Metadata.Units)
	assert.InDelta(t, 1.5, records[1].Metadata.DurationSeconds, 1e-9)

	none, err := storage.ListUsage(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testExpiryFIFO(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	m := newManager(t, storage, clock)

	b, err := m.Ledger.Allocate(ctx, "u1", 10, "admin", 30, "B")
	require.NoError(t, err)
	a, err := m.Ledger.Allocate(ctx, "u1", 5, "admin", 1, "A")
	require.NoError(t, err)

	portions, err := m.Ledger.Deduct(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, []gocredit.Deduction{
		{AllocationID: a.ID, Amount: 5},
		{AllocationID: b.ID, Amount: 2},
	}, portions)

	allocs, err := m.Ledger.Allocations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.Equal(t, a.ID, allocs[0].ID)
	assert.Equal(t, int64(0), allocs[0].RemainingCredits)
	assert.Equal(t, int64(8), allocs[1].RemainingCredits)

	balance, err := m.Ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance.TotalCredits)
	require.Len(t, balance.ActiveAllocations, 1)
	assert.Equal(t, b.ID, balance.ActiveAllocations[0].ID)

	// expired credits are inert
	clock.Advance(31 * 24 * time.Hour)
	balance, err = m.Ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
	_, err = m.Ledger.Deduct(ctx, "u1", 1)
	assert.ErrorIs(t, err, gocredit.ErrInsufficientCredits)
}

func testNoOverdraft(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	m := newManager(t, storage, NewClock(Epoch))

	_, err := m.Ledger.Allocate(ctx, "u1", 4, "admin", 1, "")
	require.NoError(t, err)
	_, err = m.Ledger.Allocate(ctx, "u1", 5, "admin", 2, "")
	require.NoError(t, err)

	_, err = m.Ledger.Deduct(ctx, "u1", 10)
	assert.ErrorIs(t, err, gocredit.ErrInsufficientCredits)

	allocs, err := m.Ledger.Allocations(ctx, "u1")
	require.NoError(t, err)
	for _, a := range allocs {
		assert.Equal(t, a.TotalCredits, a.RemainingCredits, "failed deduct must not write")
	}

	_, err = m.Ledger.Deduct(ctx, "u1", 9)
	require.NoError(t, err)
	balance, err := m.Ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
}

func testReconciliation(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	m := newManager(t, storage, clock)

	_, err := m.Ledger.Allocate(ctx, "u1", 20, "admin", 30, "")
	require.NoError(t, err)

	init, err := m.Sessions.Initialize(ctx, gocredit.InitRequest{
		SessionID: "s-ok", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), init.EstimatedCredits)
	assert.Equal(t, int64(8), init.AllocatedCredits)
	assertBalance(t, m, "u1", 12)

	clock.Advance(90 * time.Second)
	res, err := m.Sessions.Finalize(ctx, gocredit.FinalizeRequest{
		SessionID: "s-ok", UserID: "u1", ActualUnits: 1500, Success: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.ActualCredits)
	assert.Equal(t, int64(3), res.Refund)
	assert.Equal(t, gocredit.SessionCompleted, res.Session.Status)
	assertBalance(t, m, "u1", 15)

	require.NotNil(t, res.RefundAllocation)
	assert.Equal(t, gocredit.DefaultRefundIssuer, res.RefundAllocation.AllocatedBy)
	assert.Equal(t, "refund from session s-ok", res.RefundAllocation.Notes)
	assert.True(t, res.RefundAllocation.ExpiresAt.Equal(clock.Now().AddDate(0, 0, 30)))

	clock.Advance(time.Second)
	_, err = m.Sessions.Initialize(ctx, gocredit.InitRequest{
		SessionID: "s-abort", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
	})
	require.NoError(t, err)
	assertBalance(t, m, "u1", 7)

	aborted, err := m.Sessions.Abort(ctx, gocredit.AbortRequest{SessionID: "s-abort", UserID: "u1", UnitsGenerated: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(2), aborted.ActualCredits)
	assert.Equal(t, int64(6), aborted.Refund)
	assert.Equal(t, gocredit.SessionFailed, aborted.Session.Status)
	assertBalance(t, m, "u1", 13)

	records, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, gocredit.ServiceStreaming, records[0].Service)
	assert.Equal(t, int64(5), records[0].Credits)
	assert.Equal(t, "s-ok", records[0].Metadata.SessionID)
	assert.Equal(t, int64(1500), records[0].Metadata.Units)
	assert.InDelta(t, 90, records[0].Metadata.DurationSeconds, 1e-6)
	assert.Equal(t, gocredit.ServiceStreamingAborted, records[1].Service)
	assert.Equal(t, int64(2), records[1].Credits)

	stored, err := m.Sessions.Session(ctx, "u1", "s-ok")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.UsedCredits)
	require.NotNil(t, stored.CompletedAt)
}

func testIdempotentFinalize(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	m := newManager(t, storage, NewClock(Epoch))

	_, err := m.Ledger.Allocate(ctx, "u1", 20, "admin", 30, "")
	require.NoError(t, err)
	_, err = m.Sessions.Initialize(ctx, gocredit.InitRequest{
		SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
	})
	require.NoError(t, err)

	req := gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 1000, Success: true}
	_, err = m.Sessions.Finalize(ctx, req)
	require.NoError(t, err)
	after := balanceOf(t, m, "u1")

	_, err = m.Sessions.Finalize(ctx, req)
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)
	_, err = m.Sessions.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1"})
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)
	assert.Equal(t, after, balanceOf(t, m, "u1"))

	records, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testConcurrentInitialize(t *testing.T, storage gocredit.Storage) {
	ctx := context.Background()
	m := newManager(t, storage, NewClock(Epoch))

	// 2000 units at rate 3 reserve 8; the balance covers one reservation.
	_, err := m.Ledger.Allocate(ctx, "u1", 12, "admin", 30, "")
	require.NoError(t, err)

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Sessions.Initialize(ctx, gocredit.InitRequest{
				SessionID: fmt.Sprintf("s%d", i), UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, gocredit.ErrInsufficientCredits):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assertBalance(t, m, "u1", 4)
}

func balanceOf(t *testing.T, m *gocredit.Manager, userID string) int64 {
	t.Helper()
	balance, err := m.Ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance.TotalCredits
}

func assertBalance(t *testing.T, m *gocredit.Manager, userID string, want int64) {
	t.Helper()
	assert.Equal(t, want, balanceOf(t, m, userID))
}
