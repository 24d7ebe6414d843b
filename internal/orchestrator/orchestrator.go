// Package orchestrator drives the claim, attempt, record loop.
//
// The loop pulls ready tasks from the backend, claims them atomically, and
// runs attempts through the configured adapter, consulting the escalation
// policy between attempts and checking the budget before each one. Every
// state change is durable in the ledger before the next step runs, so a
// crash at any point leaves a record that the next run can recover from.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/tally/internal/backend"
	"github.com/cloud-shuttle/tally/internal/budget"
	"github.com/cloud-shuttle/tally/internal/config"
	"github.com/cloud-shuttle/tally/internal/harness"
	"github.com/cloud-shuttle/tally/internal/hooks"
	"github.com/cloud-shuttle/tally/internal/ledger"
	"github.com/cloud-shuttle/tally/internal/policy"
	"github.com/cloud-shuttle/tally/internal/prompt"
	"github.com/cloud-shuttle/tally/pkg/telemetry"
	"github.com/cloud-shuttle/tally/pkg/types"
)

// Orchestrator owns one run session. One per project, enforced by the
// session lock; create it, Run it, done.
type Orchestrator struct {
	cfg     *config.Config
	store   *ledger.Store
	backend backend.Backend
	adapter harness.Adapter

	sessionID  string
	workDir    string
	guidelines []string

	pol    policy.Policy
	limits budget.Limits

	used   types.ResourceUsage
	warned bool
}

// LoopResult summarizes one orchestration run
type LoopResult struct {
	Attempted     int // tasks the loop worked on
	Succeeded     int // tasks finalized as success
	Failed        int // tasks finalized as failure (gave up)
	BudgetStopped bool
}

// New assembles an orchestrator from its parts
func New(cfg *config.Config, store *ledger.Store, be backend.Backend, adapter harness.Adapter, sessionID, workDir string, guidelines []string) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		backend:    be,
		adapter:    adapter,
		sessionID:  sessionID,
		workDir:    workDir,
		guidelines: guidelines,
		pol: policy.Policy{
			Tiers:              cfg.TierNames(),
			MaxAttemptsPerTier: cfg.MaxAttemptsPerTier,
			MaxTotalAttempts:   cfg.MaxTotalAttempts,
		},
		limits: budget.Limits{
			Tokens:        cfg.BudgetTokens,
			CostUnits:     cfg.BudgetCost,
			WallTime:      cfg.BudgetTime,
			WarnThreshold: cfg.WarnThreshold,
		},
	}
}

// Used returns cumulative resource consumption for this run
func (o *Orchestrator) Used() types.ResourceUsage {
	return o.used
}

// Run processes ready tasks until the backlog drains, the budget runs out,
// or the context is cancelled. Crash leftovers from a previous run are
// recovered and resumed first.
func (o *Orchestrator) Run(ctx context.Context) (*LoopResult, error) {
	ctx, span := telemetry.StartLoopSpan(ctx, telemetry.SpanLoopRun, o.sessionID)
	defer span.End()

	result := &LoopResult{}

	recovered, err := o.Recover(ctx)
	if err != nil {
		return result, err
	}
	for _, taskID := range recovered {
		if done := o.runRecovered(ctx, taskID, result); done {
			return result, ctx.Err()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if budget.Exhausted(o.used, o.limits) {
			result.BudgetStopped = true
			log.Printf("🛑 Budget exhausted, stopping (used %d tokens, %.2f cost units)",
				o.used.Tokens, o.used.CostUnits)
			return result, nil
		}

		task, err := o.claimNext(ctx)
		if err != nil {
			return result, err
		}
		if task == nil {
			log.Printf("📋 No ready tasks, run complete")
			return result, nil
		}

		o.executeTask(ctx, task, result)
	}
}

// RunOnce claims and processes a single task, then returns. Used by
// `run-once` and by `run --once`.
func (o *Orchestrator) RunOnce(ctx context.Context) (*LoopResult, error) {
	ctx, span := telemetry.StartLoopSpan(ctx, telemetry.SpanLoopOnce, o.sessionID)
	defer span.End()

	result := &LoopResult{}

	if budget.Exhausted(o.used, o.limits) {
		result.BudgetStopped = true
		return result, nil
	}

	task, err := o.claimNext(ctx)
	if err != nil {
		return result, err
	}
	if task == nil {
		log.Printf("📋 No ready tasks")
		return result, nil
	}

	o.executeTask(ctx, task, result)
	return result, ctx.Err()
}

// Recover closes attempts a crashed orchestrator left open and returns the
// ids of tasks that can be resumed. The attempt is finalized as cancelled;
// the entry stays non-terminal so the policy decides what happens next.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	entries, err := o.store.Scan()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Terminal() {
			continue
		}
		if open := entry.OpenAttempt(); open != nil {
			log.Printf("⚠️  Recovering task %s: attempt %d was left open by a crashed run",
				entry.TaskID, open.Number)
			err := o.store.CompleteAttempt(entry.TaskID, open.Number, ledger.AttemptResult{
				ErrorClass:   types.ErrClassCancelled,
				ErrorMessage: "orchestrator did not record an ending for this attempt",
			})
			if err != nil {
				return nil, fmt.Errorf("recovering task %s: %w", entry.TaskID, err)
			}
		}
	}

	// Claimed tasks drive resumption: ListReady never returns them, so any
	// task a dead run left in_progress must be picked up here. A crash in
	// the window between the backend claim and the ledger stub leaves a
	// claimed task with no entry at all; create the stub now so the task is
	// not stranded.
	claimed, err := o.backend.ListInProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing claimed tasks: %w", err)
	}
	var resumable []string
	for _, task := range claimed {
		if _, err := o.store.Get(task.ID); errors.Is(err, ledger.ErrNotFound) {
			log.Printf("⚠️  Recovering task %s: claimed but never reached the ledger", task.ID)
			if _, err := o.ensureEntry(ctx, task); err != nil {
				return nil, fmt.Errorf("recovering task %s: %w", task.ID, err)
			}
		} else if err != nil {
			return nil, err
		}
		resumable = append(resumable, task.ID)
	}
	return resumable, nil
}

// runRecovered resumes a task a previous run claimed but never finished.
// Returns true when the context is done and the loop should stop.
func (o *Orchestrator) runRecovered(ctx context.Context, taskID string, result *LoopResult) bool {
	task, err := o.backend.Get(ctx, taskID)
	if err != nil {
		log.Printf("❌ Cannot resume task %s: %v", taskID, err)
		return false
	}
	log.Printf("🔁 Resuming task %s: %s", task.ID, task.Title)
	o.executeTask(ctx, task, result)
	return ctx.Err() != nil
}

// claimNext walks the ready list in backend order and claims the first task
// nobody else grabbed. Returns nil when the backlog has nothing ready.
func (o *Orchestrator) claimNext(ctx context.Context) (*types.Task, error) {
	ready, err := o.backend.ListReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ready tasks: %w", err)
	}

	for _, task := range ready {
		claimCtx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskClaim,
			telemetry.TaskAttrs(task.ID, task.Title, task.EpicID, task.Priority)...)
		ok, err := o.backend.Claim(claimCtx, task.ID)
		if err != nil {
			telemetry.RecordError(span, err, "BackendError", telemetry.ErrorCategoryBackend)
			span.End()
			return nil, fmt.Errorf("claiming task %s: %w", task.ID, err)
		}
		span.End()
		if !ok {
			// Someone else got there first; not an error.
			log.Printf("⏭️  Task %s claimed by someone else, skipping", task.ID)
			continue
		}
		return task, nil
	}
	return nil, nil
}

// executeTask runs one claimed task to a terminal state (or a budget/cancel
// stop). The ledger stub exists before the first worker runs.
func (o *Orchestrator) executeTask(ctx context.Context, task *types.Task, result *LoopResult) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskExecute,
		telemetry.TaskAttrs(task.ID, task.Title, task.EpicID, task.Priority)...)
	defer span.End()

	if o.cfg.Verbose {
		log.Printf("🔍 Task %s trace %s", task.ID, telemetry.GetTraceID(ctx))
	}

	entry, err := o.ensureEntry(ctx, task)
	if err != nil {
		log.Printf("❌ Ledger error for task %s: %v", task.ID, err)
		telemetry.RecordError(span, err, "LedgerError", telemetry.ErrorCategoryLedger)
		return
	}
	if entry.Terminal() {
		// Claimed a task whose ledger work already finished; sync the backend.
		log.Printf("⚠️  Task %s already finalized in ledger, syncing backend", task.ID)
		o.syncBackend(ctx, task.ID, entry.Outcome.Success, "ledger already finalized")
		return
	}

	result.Attempted++
	log.Printf("👷 Working task %s: %s", task.ID, task.Title)

	for {
		if ctx.Err() != nil {
			log.Printf("🛑 Cancelled while working task %s", task.ID)
			return
		}

		decision := policy.Decide(entry.Attempts, o.pol)
		switch decision.Kind {
		case policy.KindAccept:
			o.finalize(ctx, task, entry, true, result)
			return
		case policy.KindGiveUp:
			o.finalize(ctx, task, entry, false, result)
			return
		}

		if budget.Exhausted(o.used, o.limits) {
			result.BudgetStopped = true
			log.Printf("🛑 Budget exhausted before attempt on task %s", task.ID)
			o.releaseClaim(ctx, task, entry)
			return
		}
		if !o.warned && budget.Warn(o.used, o.limits) {
			o.warned = true
			log.Printf("⚠️  Budget above %d%% (used %d tokens, %.2f cost units)",
				o.limits.WarnThreshold, o.used.Tokens, o.used.CostUnits)
		}

		entry, err = o.runAttempt(ctx, task, entry, decision.Tier)
		if err != nil {
			log.Printf("❌ Attempt bookkeeping failed for task %s: %v", task.ID, err)
			telemetry.RecordError(span, err, "LedgerError", telemetry.ErrorCategoryLedger)
			return
		}
	}
}

// runAttempt records, executes, and closes one attempt, returning the
// reloaded entry
func (o *Orchestrator) runAttempt(ctx context.Context, task *types.Task, entry *types.LedgerEntry, tier types.Tier) (*types.LedgerEntry, error) {
	var prior *types.Attempt
	if n := len(entry.Attempts); n > 0 {
		prior = &entry.Attempts[n-1]
	}

	att, err := o.store.StartAttempt(task.ID, tier)
	if err != nil {
		return nil, err
	}
	log.Printf("🚀 Attempt %d on task %s [%s]", att.Number, task.ID, tier)

	attCtx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskAttempt,
		telemetry.AttemptAttrs(att.Number, string(tier))...)
	defer span.End()

	inv := &harness.Invocation{
		TaskID: task.ID,
		Instruction: prompt.Render(prompt.Input{
			Task:       task,
			Attempt:    att.Number,
			Tier:       string(tier),
			Guidelines: o.guidelines,
			Prior:      prior,
		}),
		Tier:    tier,
		Model:   o.cfg.ModelFor(tier),
		WorkDir: o.workDir,
		Env:     []string{ownerMarker(o.sessionID)},
		Timeout: o.cfg.AttemptTimeout,
	}

	res := o.adapter.Execute(attCtx, inv)
	o.used = o.used.Add(res.Usage)
	telemetry.SetAttemptResult(span, res.Success, string(res.ErrorClass), res.Usage.Tokens)

	ref := ""
	if res.Output != "" {
		if ref, err = o.store.WriteTranscript(task.ID, att.Number, res.Output); err != nil {
			log.Printf("⚠️  Failed to write transcript for task %s: %v", task.ID, err)
			ref = ""
		}
	}

	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	err = o.store.CompleteAttempt(task.ID, att.Number, ledger.AttemptResult{
		Success:       res.Success,
		Usage:         res.Usage,
		ErrorClass:    res.ErrorClass,
		ErrorMessage:  msg,
		TranscriptRef: ref,
	})
	if err != nil {
		return nil, err
	}

	if res.Success {
		log.Printf("✅ Attempt %d on task %s succeeded", att.Number, task.ID)
	} else {
		log.Printf("❌ Attempt %d on task %s failed (%s)", att.Number, task.ID, res.ErrorClass)
	}

	return o.store.Get(task.ID)
}

// finalize records the outcome in the ledger and syncs the backend status
func (o *Orchestrator) finalize(ctx context.Context, task *types.Task, entry *types.LedgerEntry, success bool, result *LoopResult) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskFinalize,
		attribute.String(telemetry.KeyTaskID, task.ID),
		attribute.Bool(telemetry.KeyAttemptSuccess, success))
	defer span.End()

	outcome := types.Outcome{Success: success}
	if !success {
		if n := len(entry.Attempts); n > 0 {
			outcome.Lessons = fmt.Sprintf("gave up after %d attempts, last error: %s",
				n, entry.Attempts[n-1].ErrorClass)
		}
	}
	if err := o.store.Finalize(task.ID, outcome); err != nil {
		log.Printf("❌ Failed to finalize task %s: %v", task.ID, err)
		telemetry.RecordError(span, err, "LedgerError", telemetry.ErrorCategoryLedger)
		return
	}

	if success {
		result.Succeeded++
		log.Printf("🎉 Task %s done (%d attempts)", task.ID, len(entry.Attempts))
	} else {
		result.Failed++
		log.Printf("💀 Task %s abandoned after %d attempts", task.ID, len(entry.Attempts))
	}
	o.syncBackend(ctx, task.ID, success, "")
}

// syncBackend moves the backend task to its terminal status
func (o *Orchestrator) syncBackend(ctx context.Context, taskID string, success bool, reason string) {
	var err error
	if success {
		if reason == "" {
			reason = "completed by tally"
		}
		err = o.backend.Close(ctx, taskID, reason)
	} else {
		if reason == "" {
			reason = "escalation exhausted"
		}
		err = o.backend.Fail(ctx, taskID, reason)
	}
	if err != nil {
		log.Printf("⚠️  Failed to update backend for task %s: %v", taskID, err)
	}
}

// releaseClaim returns a claimed task to the open pool when the budget stops
// the run before any attempt ran. Entries with recorded attempts keep their
// claim so history is not orphaned.
func (o *Orchestrator) releaseClaim(ctx context.Context, task *types.Task, entry *types.LedgerEntry) {
	if len(entry.Attempts) > 0 {
		return
	}
	err := o.backend.Update(ctx, task.ID, map[string]any{
		"status": string(types.TaskStatusOpen),
	})
	if err != nil {
		log.Printf("⚠️  Failed to release claim on task %s: %v", task.ID, err)
		return
	}
	log.Printf("↩️  Released claim on task %s (budget stop before first attempt)", task.ID)
}

// ensureEntry loads the ledger stub for a claimed task, creating it on first
// contact. The stub is durable before any worker starts.
func (o *Orchestrator) ensureEntry(ctx context.Context, task *types.Task) (*types.LedgerEntry, error) {
	entry, err := o.store.Get(task.ID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	_, span := telemetry.StartTaskSpan(ctx, telemetry.SpanLedgerCreate,
		attribute.String(telemetry.KeyTaskID, task.ID))
	defer span.End()
	return o.store.CreateEntry(task.Snapshot(time.Now().UnixMilli()))
}

// ownerMarker builds the env entry that tells in-worker hooks the
// orchestrator owns this execution
func ownerMarker(sessionID string) string {
	return hooks.OwnerMarkerEnv + "=" + sessionID
}
