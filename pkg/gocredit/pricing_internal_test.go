package gocredit

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedCost(t *testing.T) {
	tests := []struct {
		name      string
		estimated int64
		ratio     string
		want      int64
		wantErr   bool
	}{
		{"rounds up", 6, "1.2", 8, false},
		{"zero estimate", 0, "1.2", 0, false},
		{"max at unit ratio", math.MaxInt64, "1", math.MaxInt64, false},
		{"just below limit", math.MaxInt64 / 2, "2", math.MaxInt64 - 1, false},
		{"just above limit", math.MaxInt64/2 + 1, "2", 0, true},
		{"max with buffer", math.MaxInt64, "1.2", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bufferedCost(tt.estimated, decimal.RequireFromString(tt.ratio))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParameters)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefundIDIndependentOfGrantKeys(t *testing.T) {
	assert.NotEqual(t, grantID("u1", "refund:s1"), refundID("u1", "s1"))
	assert.NotEqual(t, grantID("u1", "s1"), refundID("u1", "s1"))
	assert.Equal(t, refundID("u1", "s1"), refundID("u1", "s1"))
	assert.NotEqual(t, refundID("u1", "s1"), refundID("u2", "s1"))
}
