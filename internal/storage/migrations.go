package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is one step of schema evolution. Every apply func must be safe
// to run against a database where the change is already present, so files
// written before versioning existed upgrade cleanly.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

type column struct {
	name string
	decl string
}

var migrations = []migration{
	{1, "base tables", execAll(
		`CREATE TABLE IF NOT EXISTS endpoints (
			ip            TEXT PRIMARY KEY,
			discovered_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS verifications (
			ip         TEXT PRIMARY KEY,
			ok         INTEGER NOT NULL,
			models     TEXT,
			latency_ms INTEGER,
			error      TEXT,
			checked_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(ip) REFERENCES endpoints(ip) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS probes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ip          TEXT NOT NULL,
			model       TEXT,
			success     INTEGER NOT NULL,
			latency_ms  INTEGER,
			status_code INTEGER,
			error       TEXT,
			body        TEXT,
			ts          TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(ip) REFERENCES endpoints(ip) ON DELETE CASCADE
		)`,
	)},
	{2, "verification geo columns", addColumns("verifications",
		column{"lat", "REAL"},
		column{"lon", "REAL"},
		column{"city", "TEXT"},
		column{"region", "TEXT"},
		column{"country", "TEXT"},
	)},
	{3, "lookup indexes", execAll(
		`CREATE INDEX IF NOT EXISTS idx_verifications_checked ON verifications(checked_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_probes_ts ON probes(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_probes_ip_ts ON probes(ip, ts DESC)`,
	)},
	{4, "run log", execAll(
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			discovered  INTEGER NOT NULL DEFAULT 0,
			verified    INTEGER NOT NULL DEFAULT 0,
			probed      INTEGER NOT NULL DEFAULT 0,
			healthy     INTEGER NOT NULL DEFAULT 0,
			total       INTEGER NOT NULL DEFAULT 0,
			error       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC)`,
	)},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := s.runTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, s.stamp(s.now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("applied migration", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return int(v.Int64), nil
}

func execAll(stmts ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

func addColumns(table string, cols ...column) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		existing, err := tableColumns(ctx, tx, table)
		if err != nil {
			return err
		}
		for _, c := range cols {
			if existing[c.name] {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.decl)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
			}
		}
		return nil
	}
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
