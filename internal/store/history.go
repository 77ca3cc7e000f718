package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HistoryRecord is one append-only ledger entry recording that an inbox item
// was merged locally. Presence in the ledger is the source of truth for
// "already merged" in the UI; the authoritative exactly-once guarantee is
// the remote inbox-to-processed relocation.
type HistoryRecord struct {
	SourcePath  string
	MergedAt    time.Time
	MergedBy    string
	RecordCount int
}

// RecordMerge appends a ledger entry for sourcePath. An identity appears at
// most once: a repeated call for the same path is a no-op and reports false.
func (s *Store) RecordMerge(ctx context.Context, sourcePath, mergedBy string, recordCount int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_history (source_path, merged_at, merged_by, record_count)
		 VALUES (?, ?, ?, ?)`,
		sourcePath, time.Now().UTC().Format(time.RFC3339), mergedBy, recordCount)
	if err != nil {
		return false, fmt.Errorf("store: recording merge of %s: %w", sourcePath, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: merge record rows affected: %w", err)
	}

	if n == 0 {
		s.logger.Debug("merge already recorded", slog.String("source_path", sourcePath))
		return false, nil
	}

	return true, nil
}

// MergedPaths returns the set of inbox item identities already merged.
func (s *Store) MergedPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_path FROM sync_history`)
	if err != nil {
		return nil, fmt.Errorf("store: loading merged paths: %w", err)
	}
	defer rows.Close()

	merged := make(map[string]bool)

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: scanning merged path: %w", err)
		}

		merged[p] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating merged paths: %w", err)
	}

	return merged, nil
}

// History returns all ledger entries, newest first.
func (s *Store) History(ctx context.Context) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_path, merged_at, merged_by, record_count
		 FROM sync_history ORDER BY merged_at DESC, source_path`)
	if err != nil {
		return nil, fmt.Errorf("store: loading history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord

	for rows.Next() {
		var (
			r        HistoryRecord
			mergedAt string
		)

		if err := rows.Scan(&r.SourcePath, &mergedAt, &r.MergedBy, &r.RecordCount); err != nil {
			return nil, fmt.Errorf("store: scanning history row: %w", err)
		}

		if t, parseErr := time.Parse(time.RFC3339, mergedAt); parseErr == nil {
			r.MergedAt = t
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating history rows: %w", err)
	}

	return records, nil
}
