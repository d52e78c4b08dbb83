package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gocredit.Storage {
		return New()
	})
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	alloc := &gocredit.CreditAllocation{
		ID: "a1", UserID: "u1", TotalCredits: 5, RemainingCredits: 5,
		AllocatedAt: storagetest.Epoch, ExpiresAt: storagetest.Epoch.AddDate(0, 0, 1),
	}
	require.NoError(t, s.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		return tx.InsertAllocation(ctx, alloc)
	}))
	alloc.RemainingCredits = 1

	allocs, err := s.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, int64(5), allocs[0].RemainingCredits)

	allocs[0].RemainingCredits = 0
	again, err := s.ListAllocations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), again[0].RemainingCredits)
}

func TestStorage_UpdateRemainingOutOfRange(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		return tx.InsertAllocation(ctx, &gocredit.CreditAllocation{
			ID: "a1", UserID: "u1", TotalCredits: 5, RemainingCredits: 5,
			ExpiresAt: storagetest.Epoch.AddDate(0, 0, 1),
		})
	}))

	err := s.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		return tx.UpdateRemaining(ctx, "u1", "a1", 6)
	})
	assert.Error(t, err)

	err = s.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		return tx.UpdateRemaining(ctx, "u1", "missing", 1)
	})
	assert.Error(t, err)
}

func TestStorage_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, "u1", func(tx gocredit.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
