// Package memory provides an in-memory implementation of the gocredit.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using in-memory maps.
// Transactions hold a single mutex and write to a per-user copy that is
// swapped in only when the transaction function succeeds.
type Storage struct {
	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	allocations map[string]*gocredit.CreditAllocation
	sessions    map[string]*gocredit.StreamingSession
	usage       []*gocredit.UsageRecord
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users: make(map[string]*userState),
	}
}

// WithTx implements gocredit.Storage
func (s *Storage) WithTx(ctx context.Context, userID string, fn func(tx gocredit.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{storage: s, staged: make(map[string]*userState)}
	if err := fn(tx); err != nil {
		return err
	}
	for uid, state := range tx.staged {
		s.users[uid] = state
	}
	return nil
}

// ListAllocations implements gocredit.Storage
func (s *Storage) ListAllocations(_ context.Context, userID string) ([]*gocredit.CreditAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.users[userID]
	if !ok {
		return []*gocredit.CreditAllocation{}, nil
	}
	allocs := make([]*gocredit.CreditAllocation, 0, len(state.allocations))
	for _, a := range state.allocations {
		allocCopy := *a
		allocs = append(allocs, &allocCopy)
	}
	gocredit.SortAllocations(allocs)
	return allocs, nil
}

// GetSession implements gocredit.Storage
func (s *Storage) GetSession(_ context.Context, userID, sessionID string) (*gocredit.StreamingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.users[userID]
	if !ok {
		return nil, gocredit.ErrSessionNotFound
	}
	session, ok := state.sessions[sessionID]
	if !ok {
		return nil, gocredit.ErrSessionNotFound
	}
	return copySession(session), nil
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(_ context.Context, userID string) ([]*gocredit.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.users[userID]
	if !ok {
		return []*gocredit.UsageRecord{}, nil
	}
	records := make([]*gocredit.UsageRecord, 0, len(state.usage))
	for _, r := range state.usage {
		recCopy := *r
		records = append(records, &recCopy)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// Reset drops all data
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*userState)
}

type memTx struct {
	storage *Storage
	staged  map[string]*userState
}

// state returns the transaction's private copy of a user's data.
func (tx *memTx) state(userID string) *userState {
	if st, ok := tx.staged[userID]; ok {
		return st
	}
	st := &userState{
		allocations: make(map[string]*gocredit.CreditAllocation),
		sessions:    make(map[string]*gocredit.StreamingSession),
	}
	if cur, ok := tx.storage.users[userID]; ok {
		for id, a := range cur.allocations {
			allocCopy := *a
			st.allocations[id] = &allocCopy
		}
		for id, sess := range cur.sessions {
			st.sessions[id] = copySession(sess)
		}
		st.usage = append(st.usage, cur.usage...)
	}
	tx.staged[userID] = st
	return st
}

func (tx *memTx) ActiveAllocations(
	_ context.Context, userID string, now time.Time,
) ([]*gocredit.CreditAllocation, error) {
	st := tx.state(userID)
	allocs := make([]*gocredit.CreditAllocation, 0, len(st.allocations))
	for _, a := range st.allocations {
		if a.Active(now) {
			allocCopy := *a
			allocs = append(allocs, &allocCopy)
		}
	}
	gocredit.SortAllocations(allocs)
	return allocs, nil
}

func (tx *memTx) UpdateRemaining(_ context.Context, userID, allocationID string, remaining int64) error {
	a, ok := tx.state(userID).allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	if remaining < 0 || remaining > a.TotalCredits {
		return fmt.Errorf("remaining %d out of range for allocation %s", remaining, allocationID)
	}
	a.RemainingCredits = remaining
	return nil
}

func (tx *memTx) InsertAllocation(_ context.Context, a *gocredit.CreditAllocation) error {
	st := tx.state(a.UserID)
	if _, exists := st.allocations[a.ID]; exists {
		return gocredit.ErrDuplicateAllocation
	}
	allocCopy := *a
	st.allocations[a.ID] = &allocCopy
	return nil
}

func (tx *memTx) InsertSession(_ context.Context, session *gocredit.StreamingSession) error {
	st := tx.state(session.UserID)
	if _, exists := st.sessions[session.SessionID]; exists {
		return gocredit.ErrSessionExists
	}
	st.sessions[session.SessionID] = copySession(session)
	return nil
}

func (tx *memTx) ClaimSession(_ context.Context, req *gocredit.ClaimRequest) (*gocredit.StreamingSession, error) {
	session, ok := tx.state(req.UserID).sessions[req.SessionID]
	if !ok || session.Status != gocredit.SessionActive {
		return nil, gocredit.ErrSessionNotFound
	}
	completedAt := req.CompletedAt
	session.Status = req.Status
	session.UsedCredits = req.UsedCredits
	session.CompletedAt = &completedAt
	return copySession(session), nil
}

func (tx *memTx) AppendUsage(_ context.Context, rec *gocredit.UsageRecord) error {
	st := tx.state(rec.UserID)
	recCopy := *rec
	st.usage = append(st.usage, &recCopy)
	return nil
}

func copySession(s *gocredit.StreamingSession) *gocredit.StreamingSession {
	sessCopy := *s
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		sessCopy.CompletedAt = &completedAt
	}
	return &sessCopy
}
