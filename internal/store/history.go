package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is one row of the run history.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Error      string
}

// TableRecord is the final (or latest) status of one table within a
// run.
type TableRecord struct {
	RunID     string
	Table     string
	Status    string
	Offset    int64
	Rows      int64
	Reason    string
	UpdatedAt time.Time
}

func (m *Manager) ensureHistorySchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS _fetch_runs (
    run_id      TEXT PRIMARY KEY,
    started_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    status      TEXT NOT NULL DEFAULT 'running',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS _fetch_tables (
    run_id     TEXT NOT NULL,
    table_name TEXT NOT NULL,
    status     TEXT NOT NULL,
    "offset"   INTEGER NOT NULL DEFAULT 0,
    "rows"     INTEGER NOT NULL DEFAULT 0,
    reason     TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, table_name)
);`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating history schema: %w", err)
	}
	return nil
}

// RecordRunStart inserts a new run in the history.
func (m *Manager) RecordRunStart(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO _fetch_runs (run_id, started_at) VALUES (?, ?)`,
		runID, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// RecordRunEnd marks a run finished with the given status.
func (m *Manager) RecordRunEnd(ctx context.Context, runID, status, errMsg string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE _fetch_runs SET finished_at = ?, status = ?, error = ? WHERE run_id = ?`,
		time.Now().UTC(), status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("recording run end: %w", err)
	}
	return nil
}

// RecordTableStatus upserts the latest status of one table in a run.
func (m *Manager) RecordTableStatus(ctx context.Context, rec TableRecord) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO _fetch_tables (run_id, table_name, status, "offset", "rows", reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, table_name) DO UPDATE SET
    status = excluded.status,
    "offset" = excluded."offset",
    "rows" = excluded."rows",
    reason = excluded.reason,
    updated_at = excluded.updated_at`,
		rec.RunID, rec.Table, rec.Status, rec.Offset, rec.Rows, rec.Reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording table status: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (m *Manager) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := m.db.QueryContext(ctx, `
SELECT run_id, started_at, finished_at, status, error
FROM _fetch_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.StartedAt, &finished, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run history: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunTables returns the per-table statuses for a run, sorted by table
// name.
func (m *Manager) RunTables(ctx context.Context, runID string) ([]TableRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT run_id, table_name, status, "offset", "rows", reason, updated_at
FROM _fetch_tables WHERE run_id = ? ORDER BY table_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying table history: %w", err)
	}
	defer rows.Close()

	var out []TableRecord
	for rows.Next() {
		var r TableRecord
		if err := rows.Scan(&r.RunID, &r.Table, &r.Status, &r.Offset, &r.Rows, &r.Reason, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning table history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunID returns the run_id of the most recently started run, or
// "" when no runs exist.
func (m *Manager) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx,
		`SELECT run_id FROM _fetch_runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id, nil
}
