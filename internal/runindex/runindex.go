// Package runindex maintains the cross-run discovery index: an
// append-only SQLite ledger of finished runs. Per-run truth stays in each
// run's own state documents; the index exists only so finished runs can be
// found without walking the data directory.
package runindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/shirabe/internal/orchestrator"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	query        TEXT NOT NULL,
	status       TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	report_path  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_completed_at ON runs (completed_at DESC);
`

// Index is the SQLite-backed run ledger.
type Index struct {
	db *sql.DB
}

// Open opens or creates the index at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runindex: open %s: %w", path, err)
	}
	// A single writer keeps inserts serialized; the index is low-traffic.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runindex: apply schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Record inserts one finished run. Re-recording the same run id updates
// the existing row rather than erroring, so finalize stays idempotent.
func (ix *Index) Record(ctx context.Context, entry orchestrator.IndexEntry) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, query, status, completed_at, report_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			report_path = excluded.report_path`,
		entry.RunID, entry.Query, entry.Status,
		entry.CompletedAt.UTC().Format(time.RFC3339Nano), entry.ReportPath)
	if err != nil {
		return fmt.Errorf("runindex: record run %s: %w", entry.RunID, err)
	}
	return nil
}

// List returns up to limit finished runs, most recent first.
func (ix *Index) List(ctx context.Context, limit int) ([]orchestrator.IndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ix.db.QueryContext(ctx, `
		SELECT run_id, query, status, completed_at, report_path
		FROM runs ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runindex: list runs: %w", err)
	}
	defer rows.Close()

	var entries []orchestrator.IndexEntry
	for rows.Next() {
		var entry orchestrator.IndexEntry
		var completedAt string
		if err := rows.Scan(&entry.RunID, &entry.Query, &entry.Status, &completedAt, &entry.ReportPath); err != nil {
			return nil, fmt.Errorf("runindex: scan row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			entry.CompletedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
