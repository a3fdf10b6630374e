package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var csvHeader = []string{"ip", "ok", "models", "latency_ms", "error", "checked_at"}

// ExportCSV writes a snapshot of all verifications to path and returns the
// absolute path written. An empty table produces a header-only file.
func (s *Store) ExportCSV(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve csv path: %w", err)
	}
	records, err := s.FetchVerifications(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("ensure csv directory: %w", err)
	}

	tmp := abs + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}

	w := csv.NewWriter(f)
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, csvHeader)
	for _, rec := range records {
		latency := ""
		if rec.LatencyMs != nil {
			latency = strconv.FormatInt(*rec.LatencyMs, 10)
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		rows = append(rows, []string{
			rec.IP,
			strconv.FormatBool(rec.OK),
			strings.Join(rec.Models, ","),
			latency,
			errMsg,
			rec.CheckedAt.UTC().Format(time.RFC3339),
		})
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write csv: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close csv: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replace csv: %w", err)
	}
	s.logger.Debug("exported verifications", zap.String("path", abs), zap.Int("rows", len(records)))
	return abs, nil
}
