// Package firestore provides a Firestore implementation of the gocredit.Storage interface.
// Each user owns a document under Config.UsersCollection; allocations,
// sessions and usage records live in its subcollections. Transactions read
// and rewrite the user document so concurrent units for one user conflict.
package firestore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	allocationsCollection = "allocations"
	sessionsCollection    = "sessions"
	usageCollection       = "usage"
)

// Storage implements gocredit.Storage using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	usersCollection string
	maxAttempts     int
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the root collection holding one document per user
	// Default: "credit_users"
	UsersCollection string

	// MaxAttempts bounds transaction retries on contention
	// Default: 5
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "credit_users"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{
		client:          client,
		usersCollection: config.UsersCollection,
		maxAttempts:     config.MaxAttempts,
	}, nil
}

// WithTx implements gocredit.Storage
func (s *Storage) WithTx(ctx context.Context, userID string, fn func(tx gocredit.Tx) error) error {
	userDoc := s.userDoc(userID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(userDoc); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		ftx := &fsTx{
			storage:  s,
			tx:       tx,
			userID:   userID,
			allocs:   make(map[string]*stagedAllocation),
			sessions: make(map[string]*stagedSession),
		}
		if err := fn(ftx); err != nil {
			return err
		}
		if !ftx.dirty() {
			return nil
		}
		if err := ftx.flush(); err != nil {
			return err
		}
		return tx.Set(userDoc, map[string]interface{}{
			"updatedAt": firestore.ServerTimestamp,
		}, firestore.MergeAll)
	}, firestore.MaxAttempts(s.maxAttempts))
}

// ListAllocations implements gocredit.Storage
func (s *Storage) ListAllocations(ctx context.Context, userID string) ([]*gocredit.CreditAllocation, error) {
	iter := s.userDoc(userID).Collection(allocationsCollection).Documents(ctx)
	defer iter.Stop()

	allocs := []*gocredit.CreditAllocation{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list allocations: %w", err)
		}
		allocs = append(allocs, allocationFromData(snap.Data()))
	}
	gocredit.SortAllocations(allocs)
	return allocs, nil
}

// GetSession implements gocredit.Storage
func (s *Storage) GetSession(ctx context.Context, userID, sessionID string) (*gocredit.StreamingSession, error) {
	snap, err := s.userDoc(userID).Collection(sessionsCollection).Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gocredit.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sessionFromData(snap.Data()), nil
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(ctx context.Context, userID string) ([]*gocredit.UsageRecord, error) {
	iter := s.userDoc(userID).Collection(usageCollection).Documents(ctx)
	defer iter.Stop()

	records := []*gocredit.UsageRecord{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list usage: %w", err)
		}
		records = append(records, usageFromData(snap.Data()))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

type stagedAllocation struct {
	alloc   *gocredit.CreditAllocation
	created bool
	updated bool
}

type stagedSession struct {
	session *gocredit.StreamingSession
	created bool
	claimed bool
}

// fsTx buffers writes until fn returns; Firestore requires every read in a
// transaction to happen before the first write.
type fsTx struct {
	storage *Storage
	tx      *firestore.Transaction
	userID  string

	allocs   map[string]*stagedAllocation
	sessions map[string]*stagedSession
	usage    []*gocredit.UsageRecord
}

func (t *fsTx) checkUser(userID string) error {
	if userID != t.userID {
		return fmt.Errorf("transaction for user %s cannot write user %s", t.userID, userID)
	}
	return nil
}

func (t *fsTx) collection(name string) *firestore.CollectionRef {
	return t.storage.userDoc(t.userID).Collection(name)
}

func (t *fsTx) ActiveAllocations(
	_ context.Context, userID string, now time.Time,
) ([]*gocredit.CreditAllocation, error) {
	if err := t.checkUser(userID); err != nil {
		return nil, err
	}

	iter := t.tx.Documents(t.collection(allocationsCollection).Where("expiresAt", ">", now))
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query active allocations: %w", err)
		}
		a := allocationFromData(snap.Data())
		if _, seen := t.allocs[a.ID]; !seen {
			t.allocs[a.ID] = &stagedAllocation{alloc: a}
		}
	}

	active := make([]*gocredit.CreditAllocation, 0, len(t.allocs))
	for _, staged := range t.allocs {
		if staged.alloc.Active(now) {
			allocCopy := *staged.alloc
			active = append(active, &allocCopy)
		}
	}
	gocredit.SortAllocations(active)
	return active, nil
}

func (t *fsTx) allocation(allocationID string) (*stagedAllocation, error) {
	if staged, ok := t.allocs[allocationID]; ok {
		return staged, nil
	}
	snap, err := t.tx.Get(t.collection(allocationsCollection).Doc(allocationID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	staged := &stagedAllocation{alloc: allocationFromData(snap.Data())}
	t.allocs[allocationID] = staged
	return staged, nil
}

func (t *fsTx) UpdateRemaining(_ context.Context, userID, allocationID string, remaining int64) error {
	if err := t.checkUser(userID); err != nil {
		return err
	}
	staged, err := t.allocation(allocationID)
	if err != nil {
		return err
	}
	if staged == nil {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	if remaining < 0 || remaining > staged.alloc.TotalCredits {
		return fmt.Errorf("remaining %d out of range for allocation %s", remaining, allocationID)
	}
	staged.alloc.RemainingCredits = remaining
	staged.updated = true
	return nil
}

func (t *fsTx) InsertAllocation(_ context.Context, a *gocredit.CreditAllocation) error {
	if err := t.checkUser(a.UserID); err != nil {
		return err
	}
	existing, err := t.allocation(a.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return gocredit.ErrDuplicateAllocation
	}
	allocCopy := *a
	t.allocs[a.ID] = &stagedAllocation{alloc: &allocCopy, created: true}
	return nil
}

func (t *fsTx) session(sessionID string) (*stagedSession, error) {
	if staged, ok := t.sessions[sessionID]; ok {
		return staged, nil
	}
	snap, err := t.tx.Get(t.collection(sessionsCollection).Doc(sessionID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	staged := &stagedSession{session: sessionFromData(snap.Data())}
	t.sessions[sessionID] = staged
	return staged, nil
}

func (t *fsTx) InsertSession(_ context.Context, session *gocredit.StreamingSession) error {
	if err := t.checkUser(session.UserID); err != nil {
		return err
	}
	existing, err := t.session(session.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return gocredit.ErrSessionExists
	}
	sessCopy := *session
	t.sessions[session.SessionID] = &stagedSession{session: &sessCopy, created: true}
	return nil
}

func (t *fsTx) ClaimSession(_ context.Context, req *gocredit.ClaimRequest) (*gocredit.StreamingSession, error) {
	if req.UserID != t.userID {
		return nil, gocredit.ErrSessionNotFound
	}
	staged, err := t.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	if staged == nil || staged.session.Status != gocredit.SessionActive {
		return nil, gocredit.ErrSessionNotFound
	}
	completedAt := req.CompletedAt
	staged.session.Status = req.Status
	staged.session.UsedCredits = req.UsedCredits
	staged.session.CompletedAt = &completedAt
	staged.claimed = true

	claimed := *staged.session
	return &claimed, nil
}

func (t *fsTx) AppendUsage(_ context.Context, rec *gocredit.UsageRecord) error {
	if err := t.checkUser(rec.UserID); err != nil {
		return err
	}
	recCopy := *rec
	t.usage = append(t.usage, &recCopy)
	return nil
}

func (t *fsTx) dirty() bool {
	if len(t.usage) > 0 {
		return true
	}
	for _, a := range t.allocs {
		if a.created || a.updated {
			return true
		}
	}
	for _, s := range t.sessions {
		if s.created || s.claimed {
			return true
		}
	}
	return false
}

// flush writes every staged document once, in its final state.
func (t *fsTx) flush() error {
	for id, staged := range t.allocs {
		ref := t.collection(allocationsCollection).Doc(id)
		switch {
		case staged.created:
			if err := t.tx.Create(ref, allocationData(staged.alloc)); err != nil {
				return err
			}
		case staged.updated:
			if err := t.tx.Update(ref, []firestore.Update{
				{Path: "remainingCredits", Value: staged.alloc.RemainingCredits},
			}); err != nil {
				return err
			}
		}
	}

	for id, staged := range t.sessions {
		ref := t.collection(sessionsCollection).Doc(id)
		switch {
		case staged.created:
			if err := t.tx.Create(ref, sessionData(staged.session)); err != nil {
				return err
			}
		case staged.claimed:
			if err := t.tx.Update(ref, []firestore.Update{
				{Path: "status", Value: string(staged.session.Status)},
				{Path: "usedCredits", Value: staged.session.UsedCredits},
				{Path: "completedAt", Value: *staged.session.CompletedAt},
			}); err != nil {
				return err
			}
		}
	}

	for _, rec := range t.usage {
		if err := t.tx.Create(t.collection(usageCollection).Doc(rec.ID), usageData(rec)); err != nil {
			return err
		}
	}
	return nil
}

func allocationData(a *gocredit.CreditAllocation) map[string]interface{} {
	return map[string]interface{}{
		"id":               a.ID,
		"userId":           a.UserID,
		"totalCredits":     a.TotalCredits,
		"remainingCredits": a.RemainingCredits,
		"allocatedBy":      a.AllocatedBy,
		"allocatedAt":      a.AllocatedAt,
		"expiresAt":        a.ExpiresAt,
		"notes":            a.Notes,
	}
}

func allocationFromData(data map[string]interface{}) *gocredit.CreditAllocation {
	return &gocredit.CreditAllocation{
		ID:               getString(data, "id"),
		UserID:           getString(data, "userId"),
		TotalCredits:     getInt64(data, "totalCredits"),
		RemainingCredits: getInt64(data, "remainingCredits"),
		AllocatedBy:      getString(data, "allocatedBy"),
		AllocatedAt:      getTime(data, "allocatedAt"),
		ExpiresAt:        getTime(data, "expiresAt"),
		Notes:            getString(data, "notes"),
	}
}

func sessionData(s *gocredit.StreamingSession) map[string]interface{} {
	data := map[string]interface{}{
		"sessionId":        s.SessionID,
		"userId":           s.UserID,
		"modelId":          s.ModelID,
		"estimatedCredits": s.EstimatedCredits,
		"allocatedCredits": s.AllocatedCredits,
		"usedCredits":      s.UsedCredits,
		"status":           string(s.Status),
		"startedAt":        s.StartedAt,
	}
	if s.CompletedAt != nil {
		data["completedAt"] = *s.CompletedAt
	}
	return data
}

func sessionFromData(data map[string]interface{}) *gocredit.StreamingSession {
	s := &gocredit.StreamingSession{
		SessionID:        getString(data, "sessionId"),
		UserID:           getString(data, "userId"),
		ModelID:          getString(data, "modelId"),
		EstimatedCredits: getInt64(data, "estimatedCredits"),
		AllocatedCredits: getInt64(data, "allocatedCredits"),
		UsedCredits:      getInt64(data, "usedCredits"),
		Status:           gocredit.SessionStatus(getString(data, "status")),
		StartedAt:        getTime(data, "startedAt"),
	}
	if t := getTime(data, "completedAt"); !t.IsZero() {
		s.CompletedAt = &t
	}
	return s
}

func usageData(r *gocredit.UsageRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":        r.ID,
		"userId":    r.UserID,
		"timestamp": r.Timestamp,
		"service":   r.Service,
		"operation": r.Operation,
		"credits":   r.Credits,
		"metadata": map[string]interface{}{
			"sessionId":        r.Metadata.SessionID,
			"units":            r.Metadata.Units,
			"durationSeconds":  r.Metadata.DurationSeconds,
			"allocatedCredits": r.Metadata.AllocatedCredits,
			"shortfallCredits": r.Metadata.ShortfallCredits,
		},
	}
}

func usageFromData(data map[string]interface{}) *gocredit.UsageRecord {
	meta, _ := data["metadata"].(map[string]interface{})
	return &gocredit.UsageRecord{
		ID:        getString(data, "id"),
		UserID:    getString(data, "userId"),
		Timestamp: getTime(data, "timestamp"),
		Service:   getString(data, "service"),
		Operation: getString(data, "operation"),
		Credits:   getInt64(data, "credits"),
		Metadata: gocredit.UsageMetadata{
			SessionID:        getString(meta, "sessionId"),
			Units:            getInt64(meta, "units"),
			DurationSeconds:  getFloat(meta, "durationSeconds"),
			AllocatedCredits: getInt64(meta, "allocatedCredits"),
			ShortfallCredits: getInt64(meta, "shortfallCredits"),
		},
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
