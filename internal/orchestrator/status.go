package orchestrator

import (
	"time"
)

// TableStatus is where a table stands within a run.
type TableStatus string

const (
	StatusPending   TableStatus = "pending"
	StatusFetching  TableStatus = "fetching"
	StatusCompleted TableStatus = "completed"
	StatusFailed    TableStatus = "failed"
	StatusDeferred  TableStatus = "deferred"
)

// TableResult is the final outcome for one table.
type TableResult struct {
	Table    string        `json:"table"`
	Status   TableStatus   `json:"status"`
	Offset   int64         `json:"offset"`
	Rows     int64         `json:"rows"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunResult summarises a whole fetch run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Tables    []TableResult `json:"tables"`
}

// Counts returns how many tables completed, failed and were deferred.
func (r *RunResult) Counts() (completed, failed, deferred int) {
	for _, t := range r.Tables {
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusDeferred:
			deferred++
		}
	}
	return
}

// TotalRows returns rows written across all tables, including rows
// carried over from resumed checkpoints.
func (r *RunResult) TotalRows() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// Problems lists tables that did not complete, with their reasons.
func (r *RunResult) Problems() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Status == StatusFailed || t.Status == StatusDeferred {
			out = append(out, t.Table+" ("+string(t.Status)+": "+t.Reason+")")
		}
	}
	return out
}

// Clean reports whether every table completed.
func (r *RunResult) Clean() bool {
	c, f, d := r.Counts()
	return f == 0 && d == 0 && c == len(r.Tables)
}

// StatusListener observes per-table status changes as they happen.
type StatusListener func(table string, status TableStatus, offset, rows int64, reason string)
