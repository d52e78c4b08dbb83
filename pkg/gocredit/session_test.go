package gocredit_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

func fund(t *testing.T, m *gocredit.Manager, userID string, credits int64) {
	t.Helper()
	_, err := m.Ledger.Allocate(context.Background(), userID, credits, "admin", 30, "")
	require.NoError(t, err)
}

func balanceOf(t *testing.T, m *gocredit.Manager, userID string) int64 {
	t.Helper()
	b, err := m.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b.TotalCredits
}

func TestSessionManager_InitializeReservesBuffer(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 20)

	res, err := m.Initialize(ctx, gocredit.InitRequest{
		SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.EstimatedCredits)
	assert.Equal(t, int64(8), res.AllocatedCredits) // ceil(6 * 1.2)
	assert.Equal(t, gocredit.SessionActive, res.Session.Status)
	assert.True(t, res.Session.StartedAt.Equal(epoch))
	assert.Equal(t, int64(12), balanceOf(t, m, "u1"))

	stored, err := m.Sessions.Session(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "model-3", stored.ModelID)
	assert.Equal(t, int64(8), stored.AllocatedCredits)
	assert.Nil(t, stored.CompletedAt)
}

func TestSessionManager_InitializeCustomBuffer(t *testing.T) {
	m, _, _ := setupManager(t, func(c *gocredit.Config) { c.BufferRatio = 1.5 })
	fund(t, m, "u1", 20)

	res, err := m.Initialize(context.Background(), gocredit.InitRequest{
		SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.EstimatedCredits)
	assert.Equal(t, int64(5), res.AllocatedCredits) // ceil(4.5)
}

func TestSessionManager_InitializeZeroEstimate(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	// a zero reservation needs no balance
	res, err := m.Initialize(ctx, gocredit.InitRequest{
		SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.AllocatedCredits)

	fin, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 0, Success: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), fin.Refund)
	assert.Nil(t, fin.RefundAllocation)
}

func TestSessionManager_InitializeInsufficient(t *testing.T) {
	metrics := newRecordingMetrics()
	m, _, _ := setupManager(t, func(c *gocredit.Config) { c.Metrics = metrics })
	ctx := context.Background()
	fund(t, m, "u1", 7)

	_, err := m.Initialize(ctx, gocredit.InitRequest{
		SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
	})
	assert.ErrorIs(t, err, gocredit.ErrInsufficientCredits)
	assert.Equal(t, int64(7), balanceOf(t, m, "u1"))
	assert.Equal(t, 1, metrics.events["rejected"])
	assert.Equal(t, 0, metrics.storageErr)

	_, err = m.Sessions.Session(ctx, "u1", "s1")
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)
}

func TestSessionManager_InitializeDuplicateSession(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 20)

	req := gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 1000}
	_, err := m.Initialize(ctx, req)
	require.NoError(t, err)

	_, err = m.Initialize(ctx, req)
	assert.ErrorIs(t, err, gocredit.ErrSessionExists)
	// the second reservation was rolled back with the failed insert
	assert.Equal(t, int64(16), balanceOf(t, m, "u1"))

	// session IDs are scoped per user
	fund(t, m, "u2", 5)
	_, err = m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u2", ModelID: "model-3", EstimatedUnits: 1000})
	assert.NoError(t, err)
}

func TestSessionManager_InitializeInvalid(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  gocredit.InitRequest
	}{
		{"missing session", gocredit.InitRequest{UserID: "u", ModelID: "m", EstimatedUnits: 1}},
		{"missing user", gocredit.InitRequest{SessionID: "s", ModelID: "m", EstimatedUnits: 1}},
		{"missing model", gocredit.InitRequest{SessionID: "s", UserID: "u", EstimatedUnits: 1}},
		{"negative estimate", gocredit.InitRequest{SessionID: "s", UserID: "u", ModelID: "m", EstimatedUnits: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Initialize(ctx, tt.req)
			assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
		})
	}
}

func TestSessionManager_FinalizeRefund(t *testing.T) {
	metrics := newRecordingMetrics()
	m, _, clock := setupManager(t, func(c *gocredit.Config) { c.Metrics = metrics })
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)
	clock.Advance(90 * time.Second)

	res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 1500, Success: true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.ActualCredits) // ceil(4.5)
	assert.Equal(t, int64(3), res.Refund)
	assert.Equal(t, int64(0), res.Shortfall)
	assert.Equal(t, gocredit.SessionCompleted, res.Session.Status)
	assert.Equal(t, int64(5), res.Session.UsedCredits)
	require.NotNil(t, res.Session.CompletedAt)
	assert.True(t, res.Session.CompletedAt.Equal(epoch.Add(90*time.Second)))

	refund := res.RefundAllocation
	require.NotNil(t, refund)
	assert.Equal(t, int64(3), refund.TotalCredits)
	assert.Equal(t, gocredit.DefaultRefundIssuer, refund.AllocatedBy)
	assert.Equal(t, "refund from session s1", refund.Notes)
	assert.True(t, refund.ExpiresAt.Equal(clock.Now().AddDate(0, 0, 30)))

	assert.Equal(t, int64(15), balanceOf(t, m, "u1"))
	assert.Equal(t, 1, metrics.events["completed"])
	assert.Equal(t, int64(3), metrics.refunds)

	usage, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	rec := usage[0]
	assert.Equal(t, gocredit.ServiceStreaming, rec.Service)
	assert.Equal(t, "model-3", rec.Operation)
	assert.Equal(t, int64(5), rec.Credits)
	assert.Equal(t, "s1", rec.Metadata.SessionID)
	assert.Equal(t, int64(1500), rec.Metadata.Units)
	assert.Equal(t, int64(8), rec.Metadata.AllocatedCredits)
	assert.InDelta(t, 90.0, rec.Metadata.DurationSeconds, 0.001)
}

func TestSessionManager_FinalizeFailureLabel(t *testing.T) {
	metrics := newRecordingMetrics()
	m, _, _ := setupManager(t, func(c *gocredit.Config) { c.Metrics = metrics })
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)

	res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 100, Success: false})
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionFailed, res.Session.Status)
	assert.Equal(t, int64(1), res.ActualCredits)
	assert.Equal(t, int64(7), res.Refund)
	assert.Equal(t, 1, metrics.events["failed"])

	usage, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, gocredit.ServiceStreamingFailed, usage[0].Service)
}

func TestSessionManager_Abort(t *testing.T) {
	metrics := newRecordingMetrics()
	m, _, _ := setupManager(t, func(c *gocredit.Config) { c.Metrics = metrics })
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)

	res, err := m.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1", UnitsGenerated: 500})
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionFailed, res.Session.Status)
	assert.Equal(t, int64(2), res.ActualCredits)
	assert.Equal(t, int64(6), res.Refund)
	assert.Equal(t, int64(18), balanceOf(t, m, "u1"))
	assert.Equal(t, 1, metrics.events["aborted"])

	usage, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, gocredit.ServiceStreamingAborted, usage[0].Service)
	assert.Equal(t, int64(500), usage[0].Metadata.Units)
}

func TestSessionManager_Shortfall(t *testing.T) {
	metrics := newRecordingMetrics()
	logger := &recordingLogger{}
	m, _, _ := setupManager(t, func(c *gocredit.Config) {
		c.Metrics = metrics
		c.Logger = logger
	})
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(16), balanceOf(t, m, "u1"))

	// 4 reserved, 9 used: the overage is absorbed, not charged
	res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 3000, Success: true})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.ActualCredits)
	assert.Equal(t, int64(0), res.Refund)
	assert.Equal(t, int64(5), res.Shortfall)
	assert.Nil(t, res.RefundAllocation)
	assert.Equal(t, int64(16), balanceOf(t, m, "u1"))
	assert.Equal(t, int64(5), metrics.shortfall)

	entry, ok := logger.find("warn", "streaming session exceeded its reservation")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.fields["shortfall"])

	usage, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(9), usage[0].Credits)
	assert.Equal(t, int64(5), usage[0].Metadata.ShortfallCredits)
}

func TestSessionManager_ExactUsageNoRefund(t *testing.T) {
	m, storage, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)

	// 8 credits reserved, 2667 units cost ceil(8.001) = 9; 2666 units cost 8
	res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 2666, Success: true})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.ActualCredits)
	assert.Equal(t, int64(0), res.Refund)
	assert.Equal(t, int64(0), res.Shortfall)

	allocs, err := storage.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
}

func TestSessionManager_SettleOnce(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)

	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 1500, Success: true})
	require.NoError(t, err)

	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 1500, Success: true})
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)
	_, err = m.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1", UnitsGenerated: 10})
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)

	assert.Equal(t, int64(15), balanceOf(t, m, "u1"))
	usage, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, usage, 1)
}

func TestSessionManager_ConcurrentSettle(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 1500, Success: true})
			} else {
				_, errs[i] = m.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1", UnitsGenerated: 500})
			}
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)
	}
	assert.Equal(t, 1, ok)

	usage, err := m.Ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, usage, 1)

	// one refund only: 12 after reserve plus either 3 or 6
	balance := balanceOf(t, m, "u1")
	assert.Contains(t, []int64{15, 18}, balance)
}

func TestSessionManager_ForeignSession(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 20)

	_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)

	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u2", ActualUnits: 1, Success: true})
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)

	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "missing", UserID: "u1", ActualUnits: 1, Success: true})
	assert.ErrorIs(t, err, gocredit.ErrSessionNotFound)

	stored, err := m.Sessions.Session(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionActive, stored.Status)
}

func TestSessionManager_SettleInvalid(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.Finalize(ctx, gocredit.FinalizeRequest{UserID: "u1", ActualUnits: 1})
	assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", ActualUnits: 1})
	assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
	_, err = m.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1", UnitsGenerated: -3})
	assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
}

func TestSessionManager_RefundIdempotentID(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	fund(t, m, "u1", 40)

	var ids []string
	for i := 0; i < 2; i++ {
		sid := fmt.Sprintf("s%d", i)
		_, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: sid, UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
		require.NoError(t, err)
		res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: sid, UserID: "u1", ActualUnits: 1000, Success: true})
		require.NoError(t, err)
		require.NotNil(t, res.RefundAllocation)
		ids = append(ids, res.RefundAllocation.ID)
	}
	assert.NotEqual(t, ids[0], ids[1])
}

func TestSessionManager_OverflowingUnitsRejected(t *testing.T) {
	m, _, _ := setupManager(t, func(c *gocredit.Config) {
		c.Pricing.Rates = map[string]float64{"premium": 5000}
	})
	ctx := context.Background()
	fund(t, m, "u1", 100)

	_, err := m.Initialize(ctx, gocredit.InitRequest{
		SessionID: "huge", UserID: "u1", ModelID: "premium", EstimatedUnits: math.MaxInt64,
	})
	assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
	assert.Equal(t, int64(100), balanceOf(t, m, "u1"))

	res, err := m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "premium", EstimatedUnits: 10})
	require.NoError(t, err)
	require.Equal(t, int64(60), res.AllocatedCredits) // ceil(50 * 1.2)
	require.Equal(t, int64(40), balanceOf(t, m, "u1"))

	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: math.MaxInt64 / 4, Success: true})
	assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
	_, err = m.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1", UnitsGenerated: math.MaxInt64})
	assert.ErrorIs(t, err, gocredit.ErrInvalidParameters)
	assert.Equal(t, int64(40), balanceOf(t, m, "u1"))

	session, err := m.Sessions.Session(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionActive, session.Status)

	// the session is still settleable with a sane count
	settled, err := m.Abort(ctx, gocredit.AbortRequest{SessionID: "s1", UserID: "u1", UnitsGenerated: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(50), settled.Refund)
	assert.Equal(t, int64(90), balanceOf(t, m, "u1"))
}

func TestSessionManager_RefundUnaffectedByGrantKeys(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	_, err := m.Ledger.Allocate(ctx, "u1", 100, "admin", 30, "", gocredit.WithIdempotencyKey("refund:s1"))
	require.NoError(t, err)
	_, err = m.Ledger.Allocate(ctx, "u1", 1, "admin", 30, "", gocredit.WithIdempotencyKey("s1"))
	require.NoError(t, err)

	_, err = m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000})
	require.NoError(t, err)
	require.Equal(t, int64(93), balanceOf(t, m, "u1"))

	res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 1500, Success: true})
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionCompleted, res.Session.Status)
	assert.Equal(t, int64(3), res.Refund)
	assert.Equal(t, int64(96), balanceOf(t, m, "u1"))
}

func TestSessionManager_PersistenceFailure(t *testing.T) {
	storage := &flakyStorage{Storage: memory.New()}
	logger := &recordingLogger{}
	m, err := gocredit.NewManager(storage, gocredit.Config{Logger: logger})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Ledger.Allocate(ctx, "u1", 20, "admin", 30, "")
	require.NoError(t, err)
	_, err = m.Initialize(ctx, gocredit.InitRequest{SessionID: "s1", UserID: "u1", ModelID: "m", EstimatedUnits: 1000})
	require.NoError(t, err)

	storage.setBroken(true)
	_, err = m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 100, Success: true})
	assert.ErrorIs(t, err, gocredit.ErrPersistenceFailure)
	assert.False(t, errors.Is(err, gocredit.ErrSessionNotFound))

	_, ok := logger.find("error", "get session failed")
	assert.True(t, ok)

	// recovers once the backend is back, session still active
	storage.setBroken(false)
	res, err := m.Finalize(ctx, gocredit.FinalizeRequest{SessionID: "s1", UserID: "u1", ActualUnits: 100, Success: true})
	require.NoError(t, err)
	assert.Equal(t, gocredit.SessionCompleted, res.Session.Status)
}
