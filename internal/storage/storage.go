// Package storage persists endpoints, their current verification and the
// full probe history in a SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const (
	timeLayout = "2006-01-02 15:04:05.000000"
	maxRetries = 3
)

// Store owns all persisted state. Reads see committed data only; each write
// batch runs in a single transaction.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// Option customises Open.
type Option func(*Store)

// WithLogger sets the logger used for migration and retry messages.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the time source used for defaulted timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open opens (or creates) the database at path, applies pragmas and runs
// pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Reset deletes every endpoint together with its verification and probe
// history, and the run log.
func (s *Store) Reset(ctx context.Context) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"probes", "verifications", "endpoints", "runs"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// runTx executes fn inside a transaction, retrying when SQLite reports the
// database as busy.
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := range maxRetries {
		if err = s.runOnce(ctx, fn); err == nil {
			return nil
		}
		if !isBusy(err) || i == maxRetries-1 {
			return err
		}
		s.logger.Warn("database busy, retrying transaction", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry transaction: %w", ctx.Err())
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) stamp(t time.Time) string {
	if t.IsZero() {
		t = s.now()
	}
	return t.UTC().Format(timeLayout)
}

// parseTime accepts our own layout and the CURRENT_TIMESTAMP format written
// by column defaults.
func parseTime(raw string) time.Time {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
