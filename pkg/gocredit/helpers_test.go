package gocredit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

var epoch = time.Date(2025, time.March, 3, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupManager(t *testing.T, opts ...func(*gocredit.Config)) (*gocredit.Manager, *memory.Storage, *fakeClock) {
	t.Helper()
	storage := memory.New()
	clock := &fakeClock{now: epoch}
	config := gocredit.Config{
		Pricing: gocredit.PricingConfig{Rates: map[string]float64{"model-3": 3}},
		Clock:   clock,
	}
	for _, opt := range opts {
		opt(&config)
	}
	m, err := gocredit.NewManager(storage, config)
	require.NoError(t, err)
	return m, storage, clock
}

// flakyStorage fails every call while broken is set.
type flakyStorage struct {
	gocredit.Storage
	mu     sync.Mutex
	broken bool
	calls  int
}

var errBackendDown = errors.New("backend down")

func (s *flakyStorage) setBroken(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = b
}

func (s *flakyStorage) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.broken {
		return errBackendDown
	}
	return nil
}

func (s *flakyStorage) WithTx(ctx context.Context, userID string, fn func(tx gocredit.Tx) error) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.Storage.WithTx(ctx, userID, fn)
}

func (s *flakyStorage) ListAllocations(ctx context.Context, userID string) ([]*gocredit.CreditAllocation, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.Storage.ListAllocations(ctx, userID)
}

func (s *flakyStorage) GetSession(ctx context.Context, userID, sessionID string) (*gocredit.StreamingSession, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.Storage.GetSession(ctx, userID, sessionID)
}

// recordingLogger captures messages by level.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

func (l *recordingLogger) add(level, msg string, fields []gocredit.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...gocredit.Field) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...gocredit.Field)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...gocredit.Field)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...gocredit.Field) { l.add("error", msg, fields) }

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// recordingMetrics counts calls per method.
type recordingMetrics struct {
	gocredit.NoopMetrics
	mu         sync.Mutex
	events     map[string]int
	shortfall  int64
	refunds    int64
	cbStates   []string
	storageErr int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{events: make(map[string]int)}
}

func (m *recordingMetrics) RecordSessionEvent(event, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event]++
}

func (m *recordingMetrics) RecordShortfall(_ string, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortfall += credits
}

func (m *recordingMetrics) RecordRefund(_ string, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds += credits
}

func (m *recordingMetrics) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbStates = append(m.cbStates, state)
}

func (m *recordingMetrics) RecordStorageOperation(_ string, _ time.Duration, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageErr++
}
