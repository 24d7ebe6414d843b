package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/tally/internal/backend"
	"github.com/cloud-shuttle/tally/internal/config"
	"github.com/cloud-shuttle/tally/internal/harness"
	"github.com/cloud-shuttle/tally/internal/hooks"
	"github.com/cloud-shuttle/tally/internal/ledger"
	"github.com/cloud-shuttle/tally/internal/orchestrator"
	"github.com/cloud-shuttle/tally/pkg/types"
)

// fakeAdapter plays back a scripted sequence of results and records every
// invocation it receives
type fakeAdapter struct {
	mu          sync.Mutex
	script      []*harness.Result
	invocations []*harness.Invocation
}

func (f *fakeAdapter) Execute(_ context.Context, inv *harness.Invocation) *harness.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations = append(f.invocations, inv)
	if len(f.script) == 0 {
		return &harness.Result{Success: true, Output: "done", ErrorClass: types.ErrClassNone}
	}
	res := f.script[0]
	f.script = f.script[1:]
	return res
}

func (f *fakeAdapter) CheckInstalled() error { return nil }
func (f *fakeAdapter) SetVerbose(bool)       {}

func failure(class types.ErrorClass, tokens int64) *harness.Result {
	return &harness.Result{
		Success:    false,
		Output:     "no luck",
		Usage:      types.ResourceUsage{Tokens: tokens},
		ErrorClass: class,
	}
}

func success(tokens int64) *harness.Result {
	return &harness.Result{
		Success:    true,
		Output:     "done",
		Usage:      types.ResourceUsage{Tokens: tokens},
		ErrorClass: types.ErrClassNone,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		AttemptTimeout:     time.Minute,
		MaxAttemptsPerTier: 2,
		MaxTotalAttempts:   6,
		Tiers:              config.DefaultTiers(),
		WarnThreshold:      80,
	}
}

func setup(t *testing.T, cfg *config.Config, adapter harness.Adapter) (*orchestrator.Orchestrator, *ledger.Store, *backend.SQLiteBackend) {
	t.Helper()
	dir := t.TempDir()

	store, err := ledger.Open(filepath.Join(dir, "ledger"), "test")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	be, err := backend.OpenSQLite(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	if err := be.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	t.Cleanup(func() { be.CloseDB() })

	orch := orchestrator.New(cfg, store, be, adapter, "session-test", dir, nil)
	return orch, store, be
}

func addTask(t *testing.T, be *backend.SQLiteBackend, id string, priority int) {
	t.Helper()
	err := be.CreateTask(context.Background(), &types.Task{
		ID:       id,
		Title:    "Task " + id,
		Priority: priority,
		Status:   types.TaskStatusOpen,
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
}

func TestRun_SuccessFirstAttempt(t *testing.T) {
	adapter := &fakeAdapter{script: []*harness.Result{success(100)}}
	orch, store, be := setup(t, testConfig(), adapter)
	ctx := context.Background()

	addTask(t, be, "task-1", 1)

	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Attempted != 1 || result.Succeeded != 1 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Terminal() || !entry.Outcome.Success {
		t.Fatalf("expected successful outcome: %+v", entry.Outcome)
	}
	if len(entry.Attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(entry.Attempts))
	}
	if entry.Attempts[0].Tier != "cheap" {
		t.Errorf("first attempt must run on the lowest tier, got %s", entry.Attempts[0].Tier)
	}
	if entry.Outcome.TotalUsage.Tokens != 100 {
		t.Errorf("expected usage summed into outcome, got %d", entry.Outcome.TotalUsage.Tokens)
	}
	if entry.Stage != types.StageDevComplete {
		t.Errorf("expected dev_complete stage, got %s", entry.Stage)
	}

	task, err := be.Get(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusClosed {
		t.Errorf("expected backend task closed, got %s", task.Status)
	}
}

func TestRun_EscalatesAfterTierCeiling(t *testing.T) {
	// Two validation failures on cheap exhaust the per-tier ceiling,
	// the third attempt escalates to capable and succeeds.
	adapter := &fakeAdapter{script: []*harness.Result{
		failure(types.ErrClassValidation, 10),
		failure(types.ErrClassValidation, 10),
		success(50),
	}}
	orch, store, be := setup(t, testConfig(), adapter)

	addTask(t, be, "task-1", 1)

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("expected success: %+v", result)
	}

	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(entry.Attempts))
	}
	tiers := []types.Tier{"cheap", "cheap", "capable"}
	for i, want := range tiers {
		if entry.Attempts[i].Tier != want {
			t.Errorf("attempt %d: expected tier %s, got %s", i+1, want, entry.Attempts[i].Tier)
		}
	}
	path := entry.Outcome.EscalationPath
	if len(path) != 2 || path[0] != "cheap" || path[1] != "capable" {
		t.Errorf("unexpected escalation path %v", path)
	}
	if entry.Outcome.FinalTier != "capable" {
		t.Errorf("expected final tier capable, got %s", entry.Outcome.FinalTier)
	}
}

func TestRun_GivesUpAtAbsoluteCeiling(t *testing.T) {
	cfg := testConfig()
	adapter := &fakeAdapter{}
	// Endless failures: script empty means success, so preload enough.
	for i := 0; i < 10; i++ {
		adapter.script = append(adapter.script, failure(types.ErrClassValidation, 5))
	}
	orch, store, be := setup(t, cfg, adapter)
	ctx := context.Background()

	addTask(t, be, "task-1", 1)

	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Failed != 1 || result.Succeeded != 0 {
		t.Fatalf("expected failure: %+v", result)
	}

	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Attempts) != cfg.MaxTotalAttempts {
		t.Errorf("expected %d attempts, got %d", cfg.MaxTotalAttempts, len(entry.Attempts))
	}
	if !entry.Terminal() || entry.Outcome.Success {
		t.Error("expected failed outcome")
	}

	task, err := be.Get(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusFailed {
		t.Errorf("expected backend task failed, got %s", task.Status)
	}
}

func TestRun_BudgetStopsAfterExactlyTwoTasks(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetTokens = 1000
	adapter := &fakeAdapter{script: []*harness.Result{success(500), success(500), success(500)}}
	orch, store, be := setup(t, cfg, adapter)

	addTask(t, be, "task-1", 3)
	addTask(t, be, "task-2", 2)
	addTask(t, be, "task-3", 1)

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.BudgetStopped {
		t.Fatal("expected budget stop")
	}
	if result.Succeeded != 2 {
		t.Errorf("expected exactly 2 tasks completed, got %d", result.Succeeded)
	}

	// Third task untouched.
	if _, err := store.Get("task-3"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected no ledger entry for task-3, got err=%v", err)
	}
	task, err := be.Get(context.Background(), "task-3")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusOpen {
		t.Errorf("expected task-3 still open, got %s", task.Status)
	}
}

func TestRun_BudgetStopMidTaskReleasesClaim(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetTokens = 100
	// First attempt burns the whole budget and fails; the loop must stop
	// before a second attempt and release the claim only if no attempts ran.
	adapter := &fakeAdapter{script: []*harness.Result{failure(types.ErrClassValidation, 100)}}
	orch, store, be := setup(t, cfg, adapter)

	addTask(t, be, "task-1", 1)

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.BudgetStopped {
		t.Fatal("expected budget stop")
	}

	// The attempt history survives for the next run.
	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Attempts) != 1 || entry.Terminal() {
		t.Errorf("expected 1 recorded attempt and no outcome: %+v", entry)
	}
	task, err := be.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusInProgress {
		t.Errorf("claim with recorded attempts must be kept, got %s", task.Status)
	}
}

func TestRun_OwnerMarkerSetOnEveryInvocation(t *testing.T) {
	adapter := &fakeAdapter{script: []*harness.Result{
		failure(types.ErrClassValidation, 1),
		success(1),
	}}
	orch, _, be := setup(t, testConfig(), adapter)

	addTask(t, be, "task-1", 1)

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(adapter.invocations) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(adapter.invocations))
	}
	for i, inv := range adapter.invocations {
		found := false
		for _, env := range inv.Env {
			if strings.HasPrefix(env, "TALLY_ORCHESTRATOR_SESSION=") {
				found = true
			}
		}
		if !found {
			t.Errorf("invocation %d missing ownership marker: %v", i, inv.Env)
		}
	}
}

// instrumentedAdapter simulates a hook-instrumented worker: it applies the
// invocation env to the process (as a subprocess would inherit it) and then
// tries to emit session facts.
type instrumentedAdapter struct {
	t       *testing.T
	dataDir string
}

func (a *instrumentedAdapter) Execute(_ context.Context, inv *harness.Invocation) *harness.Result {
	for _, kv := range inv.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			a.t.Setenv(k, v)
		}
	}

	obs, err := hooks.NewObserver(a.dataDir, inv.TaskID)
	if err != nil {
		a.t.Errorf("observer setup failed: %v", err)
		return &harness.Result{Success: false, ErrorClass: types.ErrClassTool}
	}
	obs.SessionStart()
	obs.FileTouched("main.go")
	obs.SessionEnd(true, "done")

	return &harness.Result{Success: true, Output: "done", ErrorClass: types.ErrClassNone}
}

func (a *instrumentedAdapter) CheckInstalled() error { return nil }
func (a *instrumentedAdapter) SetVerbose(bool)       {}

func TestRun_DoubleTrackingSuppressed(t *testing.T) {
	dir := t.TempDir()
	adapter := &instrumentedAdapter{t: t, dataDir: dir}

	store, err := ledger.Open(filepath.Join(dir, "ledger"), "test")
	if err != nil {
		t.Fatal(err)
	}
	be, err := backend.OpenSQLite(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := be.InitSchema(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.CloseDB() })

	orch := orchestrator.New(testConfig(), store, be, adapter, "session-test", dir, nil)
	addTask(t, be, "task-1", 1)

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// Exactly one attempt, from the orchestrator; the instrumented worker's
	// hooks were suppressed by the ownership marker.
	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(entry.Attempts))
	}
	facts, err := hooks.ReadFacts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 0 {
		t.Fatalf("hook facts must be suppressed under the orchestrator, got %d", len(facts))
	}
}

func TestRun_RetryFeedbackInInstruction(t *testing.T) {
	adapter := &fakeAdapter{script: []*harness.Result{
		failure(types.ErrClassValidation, 1),
		success(1),
	}}
	orch, _, be := setup(t, testConfig(), adapter)

	addTask(t, be, "task-1", 1)

	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(adapter.invocations) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(adapter.invocations))
	}
	if strings.Contains(adapter.invocations[0].Instruction, "previous attempt") {
		t.Error("first instruction must not mention prior attempts")
	}
	if !strings.Contains(adapter.invocations[1].Instruction, "previous attempt failed") {
		t.Errorf("retry instruction missing failure feedback:\n%s", adapter.invocations[1].Instruction)
	}
}

func TestRecover_ClosesCrashLeftoversAndResumes(t *testing.T) {
	adapter := &fakeAdapter{script: []*harness.Result{success(10)}}
	orch, store, be := setup(t, testConfig(), adapter)
	ctx := context.Background()

	// Simulate a crashed run: claimed task, entry with an open attempt.
	addTask(t, be, "task-1", 1)
	if _, err := be.Claim(ctx, "task-1"); err != nil {
		t.Fatal(err)
	}
	task, err := be.Get(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateEntry(task.Snapshot(time.Now().UnixMilli())); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartAttempt("task-1", "cheap"); err != nil {
		t.Fatal(err)
	}

	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("expected resumed task to finish: %+v", result)
	}

	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Attempts) != 2 {
		t.Fatalf("expected cancelled attempt plus resumed attempt, got %d", len(entry.Attempts))
	}
	if entry.Attempts[0].ErrorClass != types.ErrClassCancelled {
		t.Errorf("crashed attempt must be recorded as cancelled, got %s", entry.Attempts[0].ErrorClass)
	}
	if entry.Attempts[0].Open() {
		t.Error("crashed attempt must be closed")
	}
	if !entry.Outcome.Success {
		t.Error("expected resumed run to succeed")
	}
}

func TestRecover_ClaimedTaskWithoutLedgerEntry(t *testing.T) {
	adapter := &fakeAdapter{script: []*harness.Result{success(10)}}
	orch, store, be := setup(t, testConfig(), adapter)
	ctx := context.Background()

	// Simulate a crash in the window between the backend claim and the
	// ledger stub write: the task is in_progress with no entry at all.
	addTask(t, be, "task-1", 1)
	if ok, err := be.Claim(ctx, "task-1"); err != nil || !ok {
		t.Fatalf("claim failed: ok=%v err=%v", ok, err)
	}

	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("expected stranded task to be resumed and finished: %+v", result)
	}

	entry, err := store.Get("task-1")
	if err != nil {
		t.Fatalf("expected ledger stub created during recovery: %v", err)
	}
	if !entry.Terminal() || !entry.Outcome.Success {
		t.Errorf("expected successful outcome: %+v", entry.Outcome)
	}
	task, err := be.Get(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusClosed {
		t.Errorf("expected backend task closed, got %s", task.Status)
	}
}

func TestRunOnce_ProcessesSingleTask(t *testing.T) {
	adapter := &fakeAdapter{}
	orch, _, be := setup(t, testConfig(), adapter)

	addTask(t, be, "task-1", 2)
	addTask(t, be, "task-2", 1)

	result, err := orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run-once failed: %v", err)
	}
	if result.Attempted != 1 || result.Succeeded != 1 {
		t.Errorf("expected exactly one task processed: %+v", result)
	}

	// Higher priority task goes first.
	task, err := be.Get(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != types.TaskStatusClosed {
		t.Errorf("expected task-1 processed first, got %s", task.Status)
	}
	other, err := be.Get(context.Background(), "task-2")
	if err != nil {
		t.Fatal(err)
	}
	if other.Status != types.TaskStatusOpen {
		t.Errorf("expected task-2 untouched, got %s", other.Status)
	}
}

func TestRun_NoReadyTasks(t *testing.T) {
	adapter := &fakeAdapter{}
	orch, _, _ := setup(t, testConfig(), adapter)

	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("expected nothing attempted: %+v", result)
	}
}
