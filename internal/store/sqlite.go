package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/llm-gateway/internal/database"
)

// SQLite implements KV on a local sqlite file. Suitable for single-node
// deployments where every gateway worker shares the same database file;
// compare-and-swap rides on sqlite's row-level atomicity.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := database.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLiteWithDB wraps an existing migrated connection (used by tests).
func NewSQLiteWithDB(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Get returns the value for key.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_state WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return value, true, nil
}

// Set unconditionally writes the value.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, nowUTC())
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes the key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// CompareAndSwap replaces old with new in one statement; the WHERE
// clause (or conflict target) makes the comparison atomic.
func (s *SQLite) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	var res sql.Result
	var err error
	if old == nil {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kv_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, new, nowUTC())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE kv_state SET value = ?, updated_at = ?
			WHERE key = ? AND value = ?
		`, new, nowUTC(), key, old)
	}
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrUnavailable, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrUnavailable, key, err)
	}
	return n == 1, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}
