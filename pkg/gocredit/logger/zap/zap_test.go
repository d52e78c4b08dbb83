package zap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Debug("debug")
	l.Info("credits allocated", gocredit.Field{Key: "user_id", Value: "u1"}, gocredit.Field{Key: "credits", Value: int64(5)})
	l.Warn("warn")
	l.Error("error")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)

	ctx := entries[1].ContextMap()
	assert.Equal(t, "credits allocated", entries[1].Message)
	assert.Equal(t, "u1", ctx["user_id"])
	assert.Equal(t, int64(5), ctx["credits"])
}

func TestLogger_NilIsNop(t *testing.T) {
	l := NewLogger(nil)
	assert.NotPanics(t, func() { l.Info("dropped", gocredit.Field{Key: "k", Value: 1}) })
}
