package gocredit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

func TestCircuitBreakerStorage_FailsFast(t *testing.T) {
	storage := &flakyStorage{Storage: memory.New()}
	metrics := newRecordingMetrics()
	logger := &recordingLogger{}
	ledger, err := gocredit.NewCreditLedger(storage, gocredit.Config{
		Metrics: metrics,
		Logger:  logger,
		CircuitBreakerConfig: &gocredit.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	storage.setBroken(true)
	for i := 0; i < 2; i++ {
		_, err = ledger.Balance(ctx, "u1")
		assert.ErrorIs(t, err, gocredit.ErrPersistenceFailure)
	}
	calls := storage.calls

	_, err = ledger.Balance(ctx, "u1")
	assert.ErrorIs(t, err, gocredit.ErrCircuitOpen)
	assert.ErrorIs(t, err, gocredit.ErrPersistenceFailure)
	assert.Equal(t, calls, storage.calls, "open circuit must not reach storage")

	assert.Equal(t, []string{"open"}, metrics.cbStates)
	_, ok := logger.find("warn", "storage circuit breaker state changed")
	assert.True(t, ok)
}

func TestCircuitBreakerStorage_InsufficientCreditsKeepClosed(t *testing.T) {
	m, _, _ := setupManager(t, func(c *gocredit.Config) {
		c.CircuitBreakerConfig = &gocredit.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1}
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Ledger.Deduct(ctx, "u1", 5)
		assert.ErrorIs(t, err, gocredit.ErrInsufficientCredits)
	}
	_, err := m.Ledger.Allocate(ctx, "u1", 5, "admin", 1, "")
	require.NoError(t, err)
	_, err = m.Ledger.Deduct(ctx, "u1", 5)
	assert.NoError(t, err)
}

func TestCircuitBreakerStorage_ForwardsTimeSource(t *testing.T) {
	inner := &timedStorage{Storage: memory.New(), now: epoch}
	cbs := gocredit.NewCircuitBreakerStorage(inner, gocredit.NewDefaultCircuitBreaker(1, time.Minute, nil))

	now, err := cbs.Now(context.Background())
	require.NoError(t, err)
	assert.True(t, now.Equal(epoch))

	plain := gocredit.NewCircuitBreakerStorage(memory.New(), gocredit.NewDefaultCircuitBreaker(1, time.Minute, nil))
	_, err = plain.Now(context.Background())
	assert.Error(t, err)
}
