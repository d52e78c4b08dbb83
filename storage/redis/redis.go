// Package redis provides a Redis implementation of the gocredit.Storage interface.
// A unit of work WATCHes the user's keys, reads through the watched
// connection, stages writes locally and applies them in one MULTI/EXEC.
// Conflicting units are retried up to Config.MaxRetries times.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredit:")
	KeyPrefix string

	// MaxRetries is the maximum number of attempts for a conflicting transaction (default: 3)
	MaxRetries int

	// RetryBackoff is the base delay between attempts (default: 5ms)
	RetryBackoff time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "gocredit:",
		MaxRetries:   3,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredit:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 5 * time.Millisecond
	}

	return &Storage{client: client, config: config}, nil
}

// WithTx implements gocredit.Storage
func (s *Storage) WithTx(ctx context.Context, userID string, fn func(tx gocredit.Tx) error) error {
	keys := []string{s.allocationsKey(userID), s.sessionsKey(userID), s.usageKey(userID)}

	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{storage: s, rtx: rtx, userID: userID}
			if err := fn(tx); err != nil {
				return err
			}
			return tx.commit(ctx)
		}, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.config.RetryBackoff):
		}
	}
	return fmt.Errorf("transaction for user %s conflicted %d times: %w", userID, s.config.MaxRetries, redis.TxFailedErr)
}

// ListAllocations implements gocredit.Storage
func (s *Storage) ListAllocations(ctx context.Context, userID string) ([]*gocredit.CreditAllocation, error) {
	raw, err := s.client.HGetAll(ctx, s.allocationsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations: %w", err)
	}
	allocs, err := decodeAllocations(raw)
	if err != nil {
		return nil, err
	}
	out := make([]*gocredit.CreditAllocation, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a)
	}
	gocredit.SortAllocations(out)
	return out, nil
}

// GetSession implements gocredit.Storage
func (s *Storage) GetSession(ctx context.Context, userID, sessionID string) (*gocredit.StreamingSession, error) {
	return getSession(ctx, s.client, s.sessionsKey(userID), sessionID)
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(ctx context.Context, userID string) ([]*gocredit.UsageRecord, error) {
	raw, err := s.client.LRange(ctx, s.usageKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	records := make([]*gocredit.UsageRecord, 0, len(raw))
	for _, item := range raw {
		var doc usageDoc
		if err := json.Unmarshal([]byte(item), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		records = append(records, doc.record())
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// Now implements gocredit.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return now.UTC(), nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Keys share the {userID} hash tag so one transaction stays in one cluster slot.
func (s *Storage) allocationsKey(userID string) string {
	return fmt.Sprintf("%s{%s}:allocations", s.config.KeyPrefix, userID)
}

func (s *Storage) sessionsKey(userID string) string {
	return fmt.Sprintf("%s{%s}:sessions", s.config.KeyPrefix, userID)
}

func (s *Storage) usageKey(userID string) string {
	return fmt.Sprintf("%s{%s}:usage", s.config.KeyPrefix, userID)
}

type redisTx struct {
	storage *Storage
	rtx     *redis.Tx
	userID  string

	allocs        map[string]*gocredit.CreditAllocation
	dirtyAllocs   []string
	sessions      map[string]*gocredit.StreamingSession
	dirtySessions []string
	usage         []*gocredit.UsageRecord
}

func (t *redisTx) checkUser(userID string) error {
	if userID != t.userID {
		return fmt.Errorf("transaction for user %s cannot write user %s", t.userID, userID)
	}
	return nil
}

func (t *redisTx) loadAllocations(ctx context.Context) error {
	if t.allocs != nil {
		return nil
	}
	raw, err := t.rtx.HGetAll(ctx, t.storage.allocationsKey(t.userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get allocations: %w", err)
	}
	allocs, err := decodeAllocations(raw)
	if err != nil {
		return err
	}
	t.allocs = allocs
	return nil
}

func (t *redisTx) session(ctx context.Context, sessionID string) (*gocredit.StreamingSession, error) {
	if s, ok := t.sessions[sessionID]; ok {
		return s, nil
	}
	s, err := getSession(ctx, t.rtx, t.storage.sessionsKey(t.userID), sessionID)
	if err != nil {
		return nil, err
	}
	if t.sessions == nil {
		t.sessions = make(map[string]*gocredit.StreamingSession)
	}
	t.sessions[sessionID] = s
	return s, nil
}

func (t *redisTx) ActiveAllocations(
	ctx context.Context, userID string, now time.Time,
) ([]*gocredit.CreditAllocation, error) {
	if err := t.checkUser(userID); err != nil {
		return nil, err
	}
	if err := t.loadAllocations(ctx); err != nil {
		return nil, err
	}
	active := make([]*gocredit.CreditAllocation, 0, len(t.allocs))
	for _, a := range t.allocs {
		if a.Active(now) {
			allocCopy := *a
			active = append(active, &allocCopy)
		}
	}
	gocredit.SortAllocations(active)
	return active, nil
}

func (t *redisTx) UpdateRemaining(ctx context.Context, userID, allocationID string, remaining int64) error {
	if err := t.checkUser(userID); err != nil {
		return err
	}
	if err := t.loadAllocations(ctx); err != nil {
		return err
	}
	a, ok := t.allocs[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	if remaining < 0 || remaining > a.TotalCredits {
		return fmt.Errorf("remaining %d out of range for allocation %s", remaining, allocationID)
	}
	a.RemainingCredits = remaining
	t.dirtyAllocs = append(t.dirtyAllocs, allocationID)
	return nil
}

func (t *redisTx) InsertAllocation(ctx context.Context, a *gocredit.CreditAllocation) error {
	if err := t.checkUser(a.UserID); err != nil {
		return err
	}
	if err := t.loadAllocations(ctx); err != nil {
		return err
	}
	if _, exists := t.allocs[a.ID]; exists {
		return gocredit.ErrDuplicateAllocation
	}
	allocCopy := *a
	t.allocs[a.ID] = &allocCopy
	t.dirtyAllocs = append(t.dirtyAllocs, a.ID)
	return nil
}

func (t *redisTx) InsertSession(ctx context.Context, session *gocredit.StreamingSession) error {
	if err := t.checkUser(session.UserID); err != nil {
		return err
	}
	_, err := t.session(ctx, session.SessionID)
	if err == nil {
		return gocredit.ErrSessionExists
	}
	if !errors.Is(err, gocredit.ErrSessionNotFound) {
		return err
	}
	if t.sessions == nil {
		t.sessions = make(map[string]*gocredit.StreamingSession)
	}
	sessCopy := *session
	t.sessions[session.SessionID] = &sessCopy
	t.dirtySessions = append(t.dirtySessions, session.SessionID)
	return nil
}

func (t *redisTx) ClaimSession(ctx context.Context, req *gocredit.ClaimRequest) (*gocredit.StreamingSession, error) {
	if req.UserID != t.userID {
		return nil, gocredit.ErrSessionNotFound
	}
	session, err := t.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != gocredit.SessionActive {
		return nil, gocredit.ErrSessionNotFound
	}
	completedAt := req.CompletedAt
	session.Status = req.Status
	session.UsedCredits = req.UsedCredits
	session.CompletedAt = &completedAt
	t.dirtySessions = append(t.dirtySessions, req.SessionID)

	claimed := *session
	return &claimed, nil
}

func (t *redisTx) AppendUsage(_ context.Context, rec *gocredit.UsageRecord) error {
	if err := t.checkUser(rec.UserID); err != nil {
		return err
	}
	recCopy := *rec
	t.usage = append(t.usage, &recCopy)
	return nil
}

// commit applies staged writes; EXEC fails with TxFailedErr if a watched key changed.
func (t *redisTx) commit(ctx context.Context) error {
	if len(t.dirtyAllocs) == 0 && len(t.dirtySessions) == 0 && len(t.usage) == 0 {
		return nil
	}

	allocFields := make(map[string]interface{}, len(t.dirtyAllocs))
	for _, id := range t.dirtyAllocs {
		data, err := json.Marshal(newAllocationDoc(t.allocs[id]))
		if err != nil {
			return fmt.Errorf("failed to encode allocation: %w", err)
		}
		allocFields[id] = data
	}
	sessionFields := make(map[string]interface{}, len(t.dirtySessions))
	for _, id := range t.dirtySessions {
		data, err := json.Marshal(newSessionDoc(t.sessions[id]))
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		sessionFields[id] = data
	}
	usage := make([]interface{}, 0, len(t.usage))
	for _, rec := range t.usage {
		data, err := json.Marshal(newUsageDoc(rec))
		if err != nil {
			return fmt.Errorf("failed to encode usage record: %w", err)
		}
		usage = append(usage, data)
	}

	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(allocFields) > 0 {
			pipe.HSet(ctx, t.storage.allocationsKey(t.userID), allocFields)
		}
		if len(sessionFields) > 0 {
			pipe.HSet(ctx, t.storage.sessionsKey(t.userID), sessionFields)
		}
		if len(usage) > 0 {
			pipe.RPush(ctx, t.storage.usageKey(t.userID), usage...)
		}
		return nil
	})
	return err
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getSession(ctx context.Context, c hashGetter, key, sessionID string) (*gocredit.StreamingSession, error) {
	data, err := c.HGet(ctx, key, sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gocredit.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return doc.session(), nil
}

func decodeAllocations(raw map[string]string) (map[string]*gocredit.CreditAllocation, error) {
	allocs := make(map[string]*gocredit.CreditAllocation, len(raw))
	for id, item := range raw {
		var doc allocationDoc
		if err := json.Unmarshal([]byte(item), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode allocation %s: %w", id, err)
		}
		allocs[id] = doc.allocation()
	}
	return allocs, nil
}
