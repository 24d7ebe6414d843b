package ledger_test

import (
	"testing"

	"github.com/cloud-shuttle/tally/internal/ledger"
	"github.com/cloud-shuttle/tally/pkg/types"
)

func finalizeTask(t *testing.T, store *ledger.Store, id string, success bool) {
	t.Helper()
	if _, err := store.CreateEntry(snapshot(id)); err != nil {
		t.Fatalf("CreateEntry %s: %v", id, err)
	}
	att, err := store.StartAttempt(id, "cheap")
	if err != nil {
		t.Fatalf("StartAttempt %s: %v", id, err)
	}
	if err := store.CompleteAttempt(id, att.Number, ledger.AttemptResult{
		Success: success,
		Usage:   types.ResourceUsage{Tokens: 100, CostUnits: 0.25},
	}); err != nil {
		t.Fatalf("CompleteAttempt %s: %v", id, err)
	}
	if err := store.Finalize(id, types.Outcome{Success: success}); err != nil {
		t.Fatalf("Finalize %s: %v", id, err)
	}
}

func TestQuery_FinalizedRows(t *testing.T) {
	store := setupStore(t)
	finalizeTask(t, store, "task-1", true)
	finalizeTask(t, store, "task-2", false)

	rows, err := store.Query(ledger.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	ok := true
	rows, err = store.Query(ledger.Filter{Success: &ok})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].TaskID != "task-1" {
		t.Fatalf("success filter wrong: %+v", rows)
	}
}

func TestQuery_UnfinalizedExcluded(t *testing.T) {
	store := setupStore(t)
	finalizeTask(t, store, "task-1", true)
	store.CreateEntry(snapshot("task-2")) // never finalized

	rows, err := store.Query(ledger.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only finalized rows, got %d", len(rows))
	}
}

func TestRebuildIndex_RecoversFromScratch(t *testing.T) {
	store := setupStore(t)
	finalizeTask(t, store, "task-1", true)
	finalizeTask(t, store, "task-2", false)
	finalizeTask(t, store, "task-3", true)

	before, err := store.Query(ledger.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	count, err := store.RebuildIndex()
	if err != nil {
		t.Fatalf("RebuildIndex failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 rebuilt rows, got %d", count)
	}

	after, err := store.Query(ledger.Filter{})
	if err != nil {
		t.Fatalf("Query after rebuild failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("rebuild changed row count: %d vs %d", len(after), len(before))
	}

	seen := make(map[string]types.IndexRow)
	for _, row := range after {
		seen[row.TaskID] = row
	}
	for _, row := range before {
		got, ok := seen[row.TaskID]
		if !ok {
			t.Errorf("row %s lost in rebuild", row.TaskID)
			continue
		}
		if got.Tokens != row.Tokens || got.Success != row.Success {
			t.Errorf("row %s changed in rebuild: %+v vs %+v", row.TaskID, got, row)
		}
	}
}
