package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"darn/internal/models"
)

const verificationColumns = `ip, ok, models, latency_ms, error, lat, lon, city, region, country, checked_at`

// UpsertVerifications writes the current verification of each record's ip,
// creating the endpoint when needed. Stored geo fields survive an incoming
// nil (see MergeVerification). Records with an empty ip are skipped. It
// returns the number of rows written.
func (s *Store) UpsertVerifications(ctx context.Context, records []models.VerificationRecord) (int, error) {
	written := 0
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		written = 0
		for _, rec := range records {
			rec.IP = strings.TrimSpace(rec.IP)
			if rec.IP == "" {
				continue
			}
			if _, err := s.ensureEndpoint(ctx, tx, rec.IP); err != nil {
				return err
			}
			existing, err := s.loadVerification(ctx, tx, rec.IP)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := s.writeVerification(ctx, tx, MergeVerification(existing, rec)); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert verifications: %w", err)
	}
	return written, nil
}

func (s *Store) writeVerification(ctx context.Context, tx *sql.Tx, rec models.VerificationRecord) error {
	modelsJSON, err := json.Marshal(rec.Models)
	if err != nil {
		return fmt.Errorf("encode models for %s: %w", rec.IP, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO verifications (`+verificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			ok = excluded.ok,
			models = excluded.models,
			latency_ms = excluded.latency_ms,
			error = excluded.error,
			lat = excluded.lat,
			lon = excluded.lon,
			city = excluded.city,
			region = excluded.region,
			country = excluded.country,
			checked_at = excluded.checked_at`,
		rec.IP, rec.OK, string(modelsJSON), rec.LatencyMs, rec.Error,
		rec.Lat, rec.Lon, rec.City, rec.Region, rec.Country,
		s.stamp(rec.CheckedAt))
	if err != nil {
		return fmt.Errorf("write verification %s: %w", rec.IP, err)
	}
	return nil
}

func (s *Store) loadVerification(ctx context.Context, tx *sql.Tx, ip string) (*models.VerificationRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE ip = ?`, ip)
	rec, err := s.scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FetchVerifications returns every verification, most recently checked first.
func (s *Store) FetchVerifications(ctx context.Context) ([]models.VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications ORDER BY checked_at DESC, ip ASC`)
	if err != nil {
		return nil, fmt.Errorf("fetch verifications: %w", err)
	}
	defer rows.Close()

	out := []models.VerificationRecord{}
	for rows.Next() {
		rec, err := s.scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FetchVerification returns the verification of ip, or ErrNotFound.
func (s *Store) FetchVerification(ctx context.Context, ip string) (models.VerificationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE ip = ?`, ip)
	rec, err := s.scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VerificationRecord{}, ErrNotFound
	}
	if err != nil {
		return models.VerificationRecord{}, fmt.Errorf("fetch verification %s: %w", ip, err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanVerification(row scanner) (models.VerificationRecord, error) {
	var (
		rec       models.VerificationRecord
		ok        bool
		rawModels sql.NullString
		latency   sql.NullInt64
		errMsg    sql.NullString
		lat, lon  sql.NullFloat64
		city      sql.NullString
		region    sql.NullString
		country   sql.NullString
		checkedAt string
	)
	if err := row.Scan(&rec.IP, &ok, &rawModels, &latency, &errMsg,
		&lat, &lon, &city, &region, &country, &checkedAt); err != nil {
		return rec, err
	}
	rec.OK = ok
	rec.Models = s.decodeModels(rec.IP, rawModels)
	rec.LatencyMs = nullInt64(latency)
	rec.Error = nullString(errMsg)
	rec.Lat = nullFloat(lat)
	rec.Lon = nullFloat(lon)
	rec.City = nullString(city)
	rec.Region = nullString(region)
	rec.Country = nullString(country)
	rec.CheckedAt = parseTime(checkedAt)
	return rec, nil
}

// decodeModels turns the stored JSON list into names; anything malformed
// reads as an empty list.
func (s *Store) decodeModels(ip string, raw sql.NullString) []string {
	names := []string{}
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return names
	}
	if err := json.Unmarshal([]byte(raw.String), &names); err != nil || names == nil {
		s.logger.Warn("malformed models column", zap.String("ip", ip), zap.Error(err))
		return []string{}
	}
	return names
}
