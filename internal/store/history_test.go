package store

import (
	"context"
	"testing"
	"time"
)

func TestRunHistoryRoundtrip(t *testing.T) {
	m := openTestStore(t, Options{MaxConnections: 2})
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	if err := m.RecordRunStart(ctx, "run-1", started); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	if err := m.RecordTableStatus(ctx, TableRecord{
		RunID: "run-1", Table: "orders", Status: "fetching", Offset: 1000, Rows: 1000,
	}); err != nil {
		t.Fatalf("RecordTableStatus: %v", err)
	}
	// Status updates replace, not append.
	if err := m.RecordTableStatus(ctx, TableRecord{
		RunID: "run-1", Table: "orders", Status: "completed", Offset: 2500, Rows: 2500,
	}); err != nil {
		t.Fatalf("RecordTableStatus update: %v", err)
	}
	if err := m.RecordRunEnd(ctx, "run-1", "completed", ""); err != nil {
		t.Fatalf("RecordRunEnd: %v", err)
	}

	runs, err := m.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != "completed" {
		t.Errorf("run status = %q, want completed", runs[0].Status)
	}
	if runs[0].FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}

	tables, err := m.RunTables(ctx, "run-1")
	if err != nil {
		t.Fatalf("RunTables: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("table records = %d, want 1 (updates must replace)", len(tables))
	}
	if tables[0].Status != "completed" || tables[0].Offset != 2500 {
		t.Errorf("table record = %+v, want completed at 2500", tables[0])
	}
}

func TestLatestRunID(t *testing.T) {
	m := openTestStore(t, Options{MaxConnections: 2})
	ctx := context.Background()

	id, err := m.LatestRunID(ctx)
	if err != nil {
		t.Fatalf("LatestRunID on empty store: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}

	m.RecordRunStart(ctx, "run-old", time.Now().Add(-time.Hour))
	m.RecordRunStart(ctx, "run-new", time.Now())

	id, err = m.LatestRunID(ctx)
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if id != "run-new" {
		t.Errorf("id = %q, want run-new", id)
	}
}
