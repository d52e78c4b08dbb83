// Package sqlite provides a SQLite implementation of the gocredit.Storage interface.
// Transactions are opened with BEGIN IMMEDIATE, so writers for any user are
// serialized by the database write lock.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage implements gocredit.Storage using SQLite
type Storage struct {
	db     *sql.DB
	config Config
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file
	Path string

	// BusyTimeout is how long a writer waits for the lock (default: 5s)
	BusyTimeout time.Duration

	// AutoMigrate applies migrations in New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:        "gocredit.db",
		BusyTimeout: 5 * time.Second,
		AutoMigrate: true,
	}
}

// New opens the database and, when AutoMigrate is set, migrates it
func New(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Storage{db: db, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx implements gocredit.Storage
func (s *Storage) WithTx(ctx context.Context, userID string, fn func(tx gocredit.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAllocations implements gocredit.Storage
func (s *Storage) ListAllocations(ctx context.Context, userID string) ([]*gocredit.CreditAllocation, error) {
	rows, err := s.db.QueryContext(ctx, selectAllocations+`
		WHERE user_id = ? ORDER BY expires_at, allocated_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	return scanAllocations(rows)
}

// GetSession implements gocredit.Storage
func (s *Storage) GetSession(ctx context.Context, userID, sessionID string) (*gocredit.StreamingSession, error) {
	return scanSession(s.db.QueryRowContext(ctx, selectSession+`
		WHERE user_id = ? AND session_id = ?`, userID, sessionID))
}

// ListUsage implements gocredit.Storage
func (s *Storage) ListUsage(ctx context.Context, userID string) ([]*gocredit.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ts, service, operation, credits, metadata
		FROM usage_records WHERE user_id = ? ORDER BY ts, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	records := []*gocredit.UsageRecord{}
	for rows.Next() {
		var (
			rec      gocredit.UsageRecord
			ts       int64
			metadata string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &ts, &rec.Service, &rec.Operation, &rec.Credits, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode usage metadata: %w", err)
		}
		rec.Timestamp = fromMicros(ts)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) ActiveAllocations(
	ctx context.Context, userID string, now time.Time,
) ([]*gocredit.CreditAllocation, error) {
	rows, err := t.tx.QueryContext(ctx, selectAllocations+`
		WHERE user_id = ? AND expires_at > ? AND remaining_credits > 0
		ORDER BY expires_at, allocated_at, id`, userID, toMicros(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query active allocations: %w", err)
	}
	return scanAllocations(rows)
}

func (t *sqliteTx) UpdateRemaining(ctx context.Context, userID, allocationID string, remaining int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE credit_allocations SET remaining_credits = ?
		WHERE user_id = ? AND id = ?`, remaining, userID, allocationID)
	if err != nil {
		return fmt.Errorf("failed to update allocation %s: %w", allocationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	return nil
}

func (t *sqliteTx) InsertAllocation(ctx context.Context, a *gocredit.CreditAllocation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_allocations
			(user_id, id, total_credits, remaining_credits, allocated_by, allocated_at, expires_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.ID, a.TotalCredits, a.RemainingCredits, a.AllocatedBy,
		toMicros(a.AllocatedAt), toMicros(a.ExpiresAt), a.Notes)
	if isUniqueViolation(err) {
		return gocredit.ErrDuplicateAllocation
	}
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertSession(ctx context.Context, session *gocredit.StreamingSession) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO streaming_sessions
			(user_id, session_id, model_id, estimated_credits, allocated_credits, used_credits, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.UserID, session.SessionID, session.ModelID, session.EstimatedCredits,
		session.AllocatedCredits, session.UsedCredits, string(session.Status), toMicros(session.StartedAt))
	if isUniqueViolation(err) {
		return gocredit.ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (t *sqliteTx) ClaimSession(ctx context.Context, req *gocredit.ClaimRequest) (*gocredit.StreamingSession, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE streaming_sessions SET status = ?, used_credits = ?, completed_at = ?
		WHERE user_id = ? AND session_id = ? AND status = 'active'`,
		string(req.Status), req.UsedCredits, toMicros(req.CompletedAt), req.UserID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	if n == 0 {
		return nil, gocredit.ErrSessionNotFound
	}
	return scanSession(t.tx.QueryRowContext(ctx, selectSession+`
		WHERE user_id = ? AND session_id = ?`, req.UserID, req.SessionID))
}

func (t *sqliteTx) AppendUsage(ctx context.Context, rec *gocredit.UsageRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode usage metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, user_id, ts, service, operation, credits, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, toMicros(rec.Timestamp), rec.Service, rec.Operation, rec.Credits, string(metadata))
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

func scanAllocations(rows *sql.Rows) ([]*gocredit.CreditAllocation, error) {
	defer rows.Close()

	allocs := []*gocredit.CreditAllocation{}
	for rows.Next() {
		var (
			a                      gocredit.CreditAllocation
			allocatedAt, expiresAt int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.TotalCredits, &a.RemainingCredits,
			&a.AllocatedBy, &allocatedAt, &expiresAt, &a.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.AllocatedAt = fromMicros(allocatedAt)
		a.ExpiresAt = fromMicros(expiresAt)
		allocs = append(allocs, &a)
	}
	return allocs, rows.Err()
}

func scanSession(row *sql.Row) (*gocredit.StreamingSession, error) {
	var (
		s           gocredit.StreamingSession
		status      string
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&s.SessionID, &s.UserID, &s.ModelID, &s.EstimatedCredits, &s.AllocatedCredits,
		&s.UsedCredits, &status, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gocredit.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.Status = gocredit.SessionStatus(status)
	s.StartedAt = fromMicros(startedAt)
	if completedAt.Valid {
		t := fromMicros(completedAt.Int64)
		s.CompletedAt = &t
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }
