package locks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const createTableStmt = `
CREATE TABLE IF NOT EXISTS workflow_locks (
	lock_name  TEXT PRIMARY KEY,
	session    TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
)`

// SQLiteStore is a durable Store implementation backed by a local SQLite
// database. Lock records survive process restarts; stale records left behind
// by a crashed run expire after TTL and are reclaimed by the next observer.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (creating if necessary) the lock database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}
	// The lock table is touched from concurrent runs; a single connection
	// sidesteps SQLITE_BUSY without a retry loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// IsLocked reports whether a live record exists for name, deleting an expired
// one as a side effect.
func (s *SQLiteStore) IsLocked(ctx context.Context, name string) (bool, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM workflow_locks WHERE lock_name = ?`, name).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query lock '%s': %w", name, err)
	}

	if s.now().Unix() >= expires {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM workflow_locks WHERE lock_name = ?`, name); err != nil {
			return false, fmt.Errorf("failed to reclaim expired lock '%s': %w", name, err)
		}
		s.logger.Debug("reclaimed expired workflow lock", zap.String("lock_name", name))
		return false, nil
	}
	return true, nil
}

// CreateLock records a lock for name owned by (session, runID)
func (s *SQLiteStore) CreateLock(ctx context.Context, session, runID, name string) error {
	expires := s.now().Add(TTL).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_locks (lock_name, session, run_id, expires_at) VALUES (?, ?, ?, ?)`,
		name, session, runID, expires)
	if err != nil {
		return fmt.Errorf("failed to create lock '%s': %w", name, err)
	}
	s.logger.Debug("created workflow lock",
		zap.String("lock_name", name),
		zap.String("session", session),
		zap.String("run_id", runID))
	return nil
}

// ReleaseLocks deletes every record owned by (session, runID)
func (s *SQLiteStore) ReleaseLocks(ctx context.Context, session, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_locks WHERE session = ? AND run_id = ?`, session, runID)
	if err != nil {
		return fmt.Errorf("failed to release locks for run '%s': %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("released workflow locks",
			zap.String("session", session),
			zap.String("run_id", runID),
			zap.Int64("count", n))
	}
	return nil
}
