package storage

import (
	"context"
	"database/sql"
	"fmt"

	"darn/internal/models"
)

// RecordRun inserts or updates the summary of one batch.
func (s *Store) RecordRun(ctx context.Context, run models.Run) error {
	var finished any
	if run.FinishedAt != nil {
		finished = s.stamp(*run.FinishedAt)
	}
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, started_at, finished_at, discovered, verified, probed, healthy, total, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				finished_at = excluded.finished_at,
				discovered = excluded.discovered,
				verified = excluded.verified,
				probed = excluded.probed,
				healthy = excluded.healthy,
				total = excluded.total,
				error = excluded.error`,
			run.ID, s.stamp(run.StartedAt), finished,
			run.Discovered, run.Verified, run.Probed, run.Healthy, run.Total, run.Error)
		return err
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, discovered, verified, probed, healthy, total, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []models.Run{}
	for rows.Next() {
		var (
			run      models.Run
			started  string
			finished sql.NullString
			errMsg   sql.NullString
		)
		if err := rows.Scan(&run.ID, &started, &finished, &run.Discovered, &run.Verified,
			&run.Probed, &run.Healthy, &run.Total, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			run.FinishedAt = &t
		}
		run.Error = nullString(errMsg)
		out = append(out, run)
	}
	return out, rows.Err()
}
