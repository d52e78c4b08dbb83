// Package postgres provides a PostgreSQL implementation of the gocredit.Storage interface.
// Each unit of work takes a transaction-scoped advisory lock on the user and
// then locks the user's allocation rows with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const uniqueViolation = "23505"

// Storage implements gocredit.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies migrations in New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements gocredit.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// WithTx implements gocredit.Storage
func (s *Storage) WithTx(ctx context.Context, userID string, fn func(tx gocredit.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Serializes units of work per user, including ones that only insert rows.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAllocations implements gocredit.Storage
func (s *Storage) ListAllocations(ctx context.Context, userID string) ([]*gocredit.CreditAllocation, error) {
	rows, err := s.pool.Query(ctx, selectAllocations+`
		WHERE user_id = $1 ORDER BY expires_at, allocated_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	return scanAllocations(rows)
}

// GetSession implements gocredit.Storage
func (s *Storage) GetSession(ctx context.Context, userID, sessionID string) (*gocredit.StreamingSession, error) {
	return scanSession(s.pool.QueryRow(ctx, selectSession+`
		WHERE user_id = $1 AND session_id = $2`, userID, sessionID))
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(ctx context.Context, userID string) ([]*gocredit.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, ts, service, operation, credits, metadata
		FROM usage_records WHERE user_id = $1 ORDER BY ts, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	records := []*gocredit.UsageRecord{}
	for rows.Next() {
		var (
			rec      gocredit.UsageRecord
			metadata []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Timestamp, &rec.Service,
			&rec.Operation, &rec.Credits, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode usage metadata: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, &rec)
	}
	return records, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ActiveAllocations(
	ctx context.Context, userID string, now time.Time,
) ([]*gocredit.CreditAllocation, error) {
	rows, err := t.tx.Query(ctx, selectAllocations+`
		WHERE user_id = $1 AND expires_at > $2 AND remaining_credits > 0
		ORDER BY expires_at, allocated_at, id
		FOR UPDATE`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query active allocations: %w", err)
	}
	return scanAllocations(rows)
}

func (t *pgTx) UpdateRemaining(ctx context.Context, userID, allocationID string, remaining int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE credit_allocations SET remaining_credits = $3
		WHERE user_id = $1 AND id = $2`, userID, allocationID, remaining)
	if err != nil {
		return fmt.Errorf("failed to update allocation %s: %w", allocationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	return nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, a *gocredit.CreditAllocation) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO credit_allocations
			(user_id, id, total_credits, remaining_credits, allocated_by, allocated_at, expires_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, id) DO NOTHING`,
		a.UserID, a.ID, a.TotalCredits, a.RemainingCredits, a.AllocatedBy, a.AllocatedAt, a.ExpiresAt, a.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocredit.ErrDuplicateAllocation
	}
	return nil
}

func (t *pgTx) InsertSession(ctx context.Context, session *gocredit.StreamingSession) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO streaming_sessions
			(user_id, session_id, model_id, estimated_credits, allocated_credits, used_credits, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.UserID, session.SessionID, session.ModelID, session.EstimatedCredits,
		session.AllocatedCredits, session.UsedCredits, string(session.Status), session.StartedAt)
	if isUniqueViolation(err) {
		return gocredit.ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (t *pgTx) ClaimSession(ctx context.Context, req *gocredit.ClaimRequest) (*gocredit.StreamingSession, error) {
	return scanSession(t.tx.QueryRow(ctx, `
		UPDATE streaming_sessions SET status = $3, used_credits = $4, completed_at = $5
		WHERE user_id = $1 AND session_id = $2 AND status = 'active'
		RETURNING session_id, user_id, model_id, estimated_credits, allocated_credits, used_credits,
			status, started_at, completed_at`,
		req.UserID, req.SessionID, string(req.Status), req.UsedCredits, req.CompletedAt))
}

func (t *pgTx) AppendUsage(ctx context.Context, rec *gocredit.UsageRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode usage metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO usage_records (id, user_id, ts, service, operation, credits, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, rec.Timestamp, rec.Service, rec.Operation, rec.Credits, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

const selectAllocations = `
	SELECT id, user_id, total_credits, remaining_credits, allocated_by, allocated_at, expires_at, notes
	FROM credit_allocations`

const selectSession = `
	SELECT session_id, user_id, model_id, estimated_credits, allocated_credits, used_credits,
		status, started_at, completed_at
	FROM streaming_sessions`

func scanAllocations(rows pgx.Rows) ([]*gocredit.CreditAllocation, error) {
	defer rows.Close()

	allocs := []*gocredit.CreditAllocation{}
	for rows.Next() {
		var a gocredit.CreditAllocation
		if err := rows.Scan(&a.ID, &a.UserID, &a.TotalCredits, &a.RemainingCredits,
			&a.AllocatedBy, &a.AllocatedAt, &a.ExpiresAt, &a.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.AllocatedAt = a.AllocatedAt.UTC()
		a.ExpiresAt = a.ExpiresAt.UTC()
		allocs = append(allocs, &a)
	}
	return allocs, rows.Err()
}

func scanSession(row pgx.Row) (*gocredit.StreamingSession, error) {
	var (
		s           gocredit.StreamingSession
		status      string
		completedAt *time.Time
	)
	err := row.Scan(&s.SessionID, &s.UserID, &s.ModelID, &s.EstimatedCredits, &s.AllocatedCredits,
		&s.UsedCredits, &status, &s.StartedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocredit.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.Status = gocredit.SessionStatus(status)
	s.StartedAt = s.StartedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		s.CompletedAt = &t
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
