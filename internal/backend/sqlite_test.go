// Package backend_test provides tests for the backend package
package backend_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cloud-shuttle/tally/internal/backend"
	"github.com/cloud-shuttle/tally/pkg/types"
)

func setupTestBackend(t *testing.T) *backend.SQLiteBackend {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	b, err := backend.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test backend: %v", err)
	}
	t.Cleanup(func() { b.CloseDB() })

	if err := b.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return b
}

func mustCreate(t *testing.T, b *backend.SQLiteBackend, task *types.Task) {
	t.Helper()
	if err := b.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask %s failed: %v", task.ID, err)
	}
}

func TestListReady_ExcludesBlockedTasks(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "task-b", Title: "B", Priority: 1})
	mustCreate(t, b, &types.Task{ID: "task-a", Title: "A", Priority: 5, DependsOn: []string{"task-b"}})

	// A depends on B; B open: ListReady excludes A, includes B
	ready, err := b.ListReady(ctx)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "task-b" {
		t.Fatalf("expected only task-b ready, got %+v", ids(ready))
	}

	// After B closes, A appears
	if err := b.Close(ctx, "task-b", "done"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ready, err = b.ListReady(ctx)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "task-a" {
		t.Fatalf("expected task-a ready after unblock, got %+v", ids(ready))
	}
}

func TestListReady_FailedDependencyStaysBlocking(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "task-b", Title: "B"})
	mustCreate(t, b, &types.Task{ID: "task-a", Title: "A", DependsOn: []string{"task-b"}})

	if err := b.Fail(ctx, "task-b", "gave up"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	ready, err := b.ListReady(ctx)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("failed dependency must keep dependents blocked, got %+v", ids(ready))
	}
}

func TestListReady_DeterministicOrdering(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "t-low", Title: "low", Priority: 1, CreatedAt: 100})
	mustCreate(t, b, &types.Task{ID: "t-hi-cheap", Title: "hc", Priority: 9, EstimatedCost: 1, CreatedAt: 300})
	mustCreate(t, b, &types.Task{ID: "t-hi-dear", Title: "hd", Priority: 9, EstimatedCost: 5, CreatedAt: 200})
	mustCreate(t, b, &types.Task{ID: "t-hi-cheap-old", Title: "hco", Priority: 9, EstimatedCost: 1, CreatedAt: 100})

	want := []string{"t-hi-cheap-old", "t-hi-cheap", "t-hi-dear", "t-low"}
	for i := 0; i < 5; i++ {
		ready, err := b.ListReady(ctx)
		if err != nil {
			t.Fatalf("ListReady failed: %v", err)
		}
		got := ids(ready)
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("ordering not deterministic: expected %v, got %v", want, got)
			}
		}
	}
}

func TestListInProgress_ReturnsOnlyClaimedTasks(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "t-open", Title: "open", Priority: 5})
	mustCreate(t, b, &types.Task{ID: "t-claimed", Title: "claimed", Priority: 3})
	mustCreate(t, b, &types.Task{ID: "t-done", Title: "done", Priority: 1})

	if _, err := b.Claim(ctx, "t-claimed"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Claim(ctx, "t-done"); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(ctx, "t-done", "finished"); err != nil {
		t.Fatal(err)
	}

	claimed, err := b.ListInProgress(ctx)
	if err != nil {
		t.Fatalf("ListInProgress failed: %v", err)
	}
	got := ids(claimed)
	if len(got) != 1 || got[0] != "t-claimed" {
		t.Errorf("expected only the claimed task, got %v", got)
	}
}

func TestClaim_AtomicCAS(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "task-1", Title: "T"})

	ok, err := b.Claim(ctx, "task-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err = b.Claim(ctx, "task-1")
	if err != nil {
		t.Fatalf("second Claim errored: %v", err)
	}
	if ok {
		t.Fatal("second claim must fail: task is no longer open")
	}

	task, err := b.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != types.TaskStatusInProgress {
		t.Errorf("expected in_progress, got %s", task.Status)
	}
}

func TestClaim_Concurrent(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "task-1", Title: "T"})

	const racers = 10
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.Claim(ctx, "task-1")
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", won)
	}
}

func TestGet_NotFound(t *testing.T) {
	b := setupTestBackend(t)

	_, err := b.Get(context.Background(), "ghost")
	if !errors.Is(err, backend.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdate_Whitelist(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "task-1", Title: "T"})

	if err := b.Update(ctx, "task-1", map[string]any{"priority": 7}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	task, _ := b.Get(ctx, "task-1")
	if task.Priority != 7 {
		t.Errorf("priority not updated: %d", task.Priority)
	}

	if err := b.Update(ctx, "task-1", map[string]any{"id": "evil"}); err == nil {
		t.Fatal("updating id must be rejected")
	}
}

func TestCountByStatus(t *testing.T) {
	b := setupTestBackend(t)
	ctx := context.Background()

	mustCreate(t, b, &types.Task{ID: "t1", Title: "a"})
	mustCreate(t, b, &types.Task{ID: "t2", Title: "b"})
	b.Close(ctx, "t2", "done")

	counts, err := b.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[types.TaskStatusOpen] != 1 || counts[types.TaskStatusClosed] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func ids(tasks []*types.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
