package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"darn/internal/models"
)

const probeColumns = `id, ip, model, success, latency_ms, status_code, error, body, ts`

// AppendProbes inserts every record as a new history row and returns how
// many were written. Records with an empty ip are skipped.
func (s *Store) AppendProbes(ctx context.Context, records []models.ProbeRecord) (int, error) {
	written := 0
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		written = 0
		for _, rec := range records {
			ip := strings.TrimSpace(rec.IP)
			if ip == "" {
				continue
			}
			if _, err := s.ensureEndpoint(ctx, tx, ip); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO probes (ip, model, success, latency_ms, status_code, error, body, ts)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				ip, rec.Model, rec.Success, rec.LatencyMs, rec.StatusCode, rec.Error, rec.Body,
				s.stamp(rec.TS))
			if err != nil {
				return fmt.Errorf("insert probe %s: %w", ip, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append probes: %w", err)
	}
	return written, nil
}

// FetchProbes returns the newest probes first. A limit <= 0 means no limit.
func (s *Store) FetchProbes(ctx context.Context, limit int) ([]models.ProbeRecord, error) {
	return s.queryProbes(ctx,
		`SELECT `+probeColumns+` FROM probes ORDER BY ts DESC, id DESC LIMIT ?`,
		sqlLimit(limit))
}

// FetchProbesForIP returns the newest probes of one endpoint first.
func (s *Store) FetchProbesForIP(ctx context.Context, ip string, limit int) ([]models.ProbeRecord, error) {
	return s.queryProbes(ctx,
		`SELECT `+probeColumns+` FROM probes WHERE ip = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		ip, sqlLimit(limit))
}

// FetchProbesSince returns probes taken at or after since, oldest first.
func (s *Store) FetchProbesSince(ctx context.Context, since time.Time) ([]models.ProbeRecord, error) {
	return s.queryProbes(ctx,
		`SELECT `+probeColumns+` FROM probes WHERE ts >= ? ORDER BY ts ASC, id ASC`,
		since.UTC().Format(timeLayout))
}

func (s *Store) queryProbes(ctx context.Context, query string, args ...any) ([]models.ProbeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch probes: %w", err)
	}
	defer rows.Close()

	out := []models.ProbeRecord{}
	for rows.Next() {
		var (
			rec     models.ProbeRecord
			model   sql.NullString
			latency sql.NullInt64
			status  sql.NullInt64
			errMsg  sql.NullString
			body    sql.NullString
			ts      string
		)
		if err := rows.Scan(&rec.ID, &rec.IP, &model, &rec.Success, &latency, &status,
			&errMsg, &body, &ts); err != nil {
			return nil, fmt.Errorf("scan probe: %w", err)
		}
		rec.Model = nullString(model)
		rec.LatencyMs = nullInt64(latency)
		rec.StatusCode = nullInt(status)
		rec.Error = nullString(errMsg)
		rec.Body = nullString(body)
		rec.TS = parseTime(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
