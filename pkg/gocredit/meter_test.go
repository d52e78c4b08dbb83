package gocredit_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

func TestMeter(t *testing.T) {
	session := &gocredit.StreamingSession{SessionID: "s1"}
	m := gocredit.NewMeter(session)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Add(100)
		}()
	}
	wg.Wait()
	m.Add(-50)
	assert.Equal(t, int64(1000), m.Units())

	m.Set(1234)
	assert.Equal(t, int64(1234), m.Units())
	m.Set(-1)
	assert.Equal(t, int64(1234), m.Units())

	assert.False(t, m.Failed())
	m.Fail()
	assert.True(t, m.Failed())
	assert.Same(t, session, m.Session())
}

func TestMeterContext(t *testing.T) {
	_, ok := gocredit.MeterFromContext(context.Background())
	assert.False(t, ok)

	m := gocredit.NewMeter(&gocredit.StreamingSession{})
	got, ok := gocredit.MeterFromContext(gocredit.WithMeter(context.Background(), m))
	require.True(t, ok)
	assert.Same(t, m, got)
}

func TestManager_Settle(t *testing.T) {
	tests := []struct {
		name        string
		outcome     gocredit.Outcome
		fail        bool
		wantService string
		wantStatus  gocredit.SessionStatus
	}{
		{"succeeded", gocredit.OutcomeSucceeded, false, gocredit.ServiceStreaming, gocredit.SessionCompleted},
		{"failed", gocredit.OutcomeFailed, false, gocredit.ServiceStreamingFailed, gocredit.SessionFailed},
		{"aborted", gocredit.OutcomeAborted, false, gocredit.ServiceStreamingAborted, gocredit.SessionFailed},
		{"meter failure wins", gocredit.OutcomeSucceeded, true, gocredit.ServiceStreamingAborted, gocredit.SessionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, storage, _ := setupManager(t)
			ctx := context.Background()
			fund(t, m, "u1", 20)

			started, err := m.Initialize(ctx, gocredit.InitRequest{
				SessionID: "s1", UserID: "u1", ModelID: "model-3", EstimatedUnits: 2000,
			})
			require.NoError(t, err)

			meter := gocredit.NewMeter(started.Session)
			meter.Add(1000)
			if tt.fail {
				meter.Fail()
			}

			res, err := m.Settle(ctx, meter, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Session.Status)
			assert.Equal(t, int64(3), res.ActualCredits)
			assert.Equal(t, int64(5), res.Refund)

			usage, err := storage.ListUsage(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, usage, 1)
			assert.Equal(t, tt.wantService, usage[0].Service)
		})
	}
}

func TestManager_SettleWithoutSession(t *testing.T) {
	m, _, _ := setupManager(t)
	_, err := m.Settle(context.Background(), gocredit.NewMeter(nil), gocredit.OutcomeSucceeded)
	require.ErrorIs(t, err, gocredit.ErrInvalidParameters)
}
