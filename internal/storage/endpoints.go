package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// UpsertEndpoints inserts each non-blank ip that is not yet known and returns
// how many were created.
func (s *Store) UpsertEndpoints(ctx context.Context, ips []string) (int, error) {
	created := 0
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		created = 0
		for _, ip := range ips {
			ip = strings.TrimSpace(ip)
			if ip == "" {
				continue
			}
			n, err := s.ensureEndpoint(ctx, tx, ip)
			if err != nil {
				return err
			}
			created += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert endpoints: %w", err)
	}
	return created, nil
}

func (s *Store) ensureEndpoint(ctx context.Context, tx *sql.Tx, ip string) (int, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO endpoints (ip, discovered_at) VALUES (?, ?)`,
		ip, s.stamp(s.now()))
	if err != nil {
		return 0, fmt.Errorf("insert endpoint %s: %w", ip, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountEndpoints returns the number of stored endpoints.
func (s *Store) CountEndpoints(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM endpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count endpoints: %w", err)
	}
	return n, nil
}

// ListEndpoints returns every stored ip in discovery order.
func (s *Store) ListEndpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip FROM endpoints ORDER BY discovered_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}
