// Package reconcile folds hook-observed facts into the ledger.
//
// Interactive sessions happen outside the orchestrator, so their work reaches
// the ledger after the fact: facts are grouped by session, each session
// becomes one synthesized attempt, and every mutation goes through the
// store's idempotency filter keyed per fact. Running reconciliation N times
// has the same effect as running it once, and a session that was still live
// at the previous pass gets its late facts merged on the next one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/tally/internal/backend"
	"github.com/cloud-shuttle/tally/internal/hooks"
	"github.com/cloud-shuttle/tally/internal/ledger"
	"github.com/cloud-shuttle/tally/pkg/telemetry"
	"github.com/cloud-shuttle/tally/pkg/types"
)

// Report summarizes one reconciliation pass
type Report struct {
	Sessions  int // distinct sessions seen in the fact log
	Applied   int // sessions merged into the ledger this pass
	Skipped   int // sessions already merged by an earlier pass
	Orphans   int // sessions that could not be tied to a task
	Conflicts int // sessions whose ledger entry was already finalized
	Finalized int // entries finalized because the backend task is closed
}

// session is the per-session view assembled from the fact log
type session struct {
	id     string
	taskID string
	facts  []hooks.Fact
}

// Run merges the fact log under dataDir into the ledger. Tasks referenced by
// facts are claimed in the backend when still open, so a later orchestrator
// run does not redo work a human already finished.
func Run(ctx context.Context, dataDir string, store *ledger.Store, be backend.Backend) (*Report, error) {
	facts, err := hooks.ReadFacts(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading fact log: %w", err)
	}

	sessions := groupBySession(facts)
	report := &Report{Sessions: len(sessions)}

	for _, sess := range sessions {
		if sess.taskID == "" {
			report.Orphans++
			continue
		}
		if err := applySession(ctx, sess, store, be, report); err != nil {
			return report, fmt.Errorf("reconciling session %s: %w", sess.id, err)
		}
	}

	log.Printf("🔄 Reconciled %d session(s): %d applied, %d skipped, %d orphaned, %d conflicted",
		report.Sessions, report.Applied, report.Skipped, report.Orphans, report.Conflicts)
	return report, nil
}

// groupBySession buckets facts by session id, ordered by sequence number.
// Deterministic output order keeps repeated runs comparable.
func groupBySession(facts []hooks.Fact) []*session {
	byID := make(map[string]*session)
	var order []string
	for _, f := range facts {
		sess, ok := byID[f.SessionID]
		if !ok {
			sess = &session{id: f.SessionID}
			byID[f.SessionID] = sess
			order = append(order, f.SessionID)
		}
		if sess.taskID == "" && f.TaskID != "" {
			sess.taskID = f.TaskID
		}
		sess.facts = append(sess.facts, f)
	}

	sort.Strings(order)
	sessions := make([]*session, 0, len(order))
	for _, id := range order {
		sess := byID[id]
		sort.Slice(sess.facts, func(i, j int) bool { return sess.facts[i].Seq < sess.facts[j].Seq })
		sessions = append(sessions, sess)
	}
	return sessions
}

func applySession(ctx context.Context, sess *session, store *ledger.Store, be backend.Backend, report *Report) error {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanReconcileApply,
		attribute.String(telemetry.KeyTaskID, sess.taskID),
		attribute.String(telemetry.KeySessionID, sess.id))
	defer span.End()

	entry, err := ensureEntry(ctx, sess.taskID, store, be)
	if errors.Is(err, backend.ErrTaskNotFound) {
		log.Printf("⚠️  Session %s references unknown task %s, skipping", sess.id, sess.taskID)
		report.Orphans++
		return nil
	}
	if err != nil {
		return err
	}

	keys := make([]string, len(sess.facts))
	for i := range sess.facts {
		keys[i] = sess.facts[i].Key()
	}

	// A finalized entry is frozen: a session it never saw is a conflict, and
	// late facts from one it already merged cannot change the outcome.
	if entry.Terminal() {
		if !hasAnyKey(entry, keys) {
			log.Printf("⚠️  Task %s already finalized, session %s not merged", sess.taskID, sess.id)
			report.Conflicts++
			return nil
		}
		report.Skipped++
		return nil
	}

	// Keys are per fact, so a session that was still running at the last
	// pass only contributes its new facts here. The whole attempt is
	// re-synthesized from the full session each time; replaying already
	// merged facts through appendUnique is harmless.
	applied, err := store.ApplyKeys(sess.taskID, keys, func(e *types.LedgerEntry, _ []string) error {
		attempt := synthesizeAttempt(sess)
		if i := attemptForSession(e, sess.id); i >= 0 {
			attempt.Number = e.Attempts[i].Number
			e.Attempts[i] = attempt
		} else {
			attempt.Number = len(e.Attempts) + 1
			e.Attempts = append(e.Attempts, attempt)
		}
		for _, f := range sess.facts {
			switch f.Kind {
			case hooks.FactFileTouched:
				e.ObservedFiles = appendUnique(e.ObservedFiles, f.Path)
			case hooks.FactCommandRun:
				e.ObservedCommands = appendUnique(e.ObservedCommands, f.Command)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		report.Applied++
	} else {
		report.Skipped++
	}

	return maybeFinalize(ctx, sess, store, be, report)
}

// attemptForSession finds the attempt an earlier pass synthesized for this
// session, so late facts update it instead of duplicating it
func attemptForSession(e *types.LedgerEntry, sessionID string) int {
	for i := range e.Attempts {
		if e.Attempts[i].SessionID == sessionID {
			return i
		}
	}
	return -1
}

func hasAnyKey(e *types.LedgerEntry, keys []string) bool {
	for _, k := range keys {
		if e.HasKey(k) {
			return true
		}
	}
	return false
}

// ensureEntry loads the ledger entry for a task, creating it (and claiming
// the task in the backend when still open) if the session predates any
// orchestrator contact with it.
func ensureEntry(ctx context.Context, taskID string, store *ledger.Store, be backend.Backend) (*types.LedgerEntry, error) {
	entry, err := store.Get(taskID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	task, err := be.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskStatusOpen {
		if _, err := be.Claim(ctx, taskID); err != nil {
			return nil, fmt.Errorf("claiming task %s: %w", taskID, err)
		}
	}

	_, span := telemetry.StartTaskSpan(ctx, telemetry.SpanLedgerCreate,
		attribute.String(telemetry.KeyTaskID, taskID))
	defer span.End()
	return store.CreateEntry(task.Snapshot(time.Now().UnixMilli()))
}

// synthesizeAttempt turns one interactive session into a closed attempt.
// Sessions without an end fact are treated as abandoned. The caller assigns
// the attempt number.
func synthesizeAttempt(sess *session) types.Attempt {
	attempt := types.Attempt{
		Tier:       types.TierInteractive,
		SessionID:  sess.id,
		ErrorClass: types.ErrClassUnknown,
	}
	for _, f := range sess.facts {
		if attempt.StartedAt == 0 || f.At < attempt.StartedAt {
			attempt.StartedAt = f.At
		}
		if f.At > attempt.EndedAt {
			attempt.EndedAt = f.At
		}
		if f.Kind == hooks.FactSessionEnd {
			attempt.Success = f.Success
			if f.Success {
				attempt.ErrorClass = types.ErrClassNone
			} else if f.Summary != "" {
				attempt.ErrorMessage = f.Summary
			}
		}
	}
	if attempt.EndedAt <= attempt.StartedAt {
		attempt.EndedAt = attempt.StartedAt + 1
	}
	attempt.Usage.DurationMs = attempt.EndedAt - attempt.StartedAt
	return attempt
}

// maybeFinalize closes out the ledger entry when the backend already treats
// the task as done. The finalize key keeps this idempotent too.
func maybeFinalize(ctx context.Context, sess *session, store *ledger.Store, be backend.Backend, report *Report) error {
	task, err := be.Get(ctx, sess.taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusClosed {
		return nil
	}

	entry, err := store.Get(sess.taskID)
	if err != nil {
		return err
	}
	if entry.Terminal() {
		return nil
	}
	if entry.OpenAttempt() != nil {
		// A crashed orchestrator left an attempt in flight; its next run
		// closes it. Finalizing now would fail, so leave the entry alone.
		log.Printf("⚠️  Task %s has an attempt still in flight, not finalizing", sess.taskID)
		return nil
	}

	_, span := telemetry.StartTaskSpan(ctx, telemetry.SpanLedgerFinalize,
		attribute.String(telemetry.KeyTaskID, sess.taskID))
	defer span.End()

	last := entry.Attempts[len(entry.Attempts)-1]
	if err := store.Finalize(sess.taskID, types.Outcome{
		Success:  last.Success,
		Approach: "reconstructed from interactive session",
	}); err != nil {
		return err
	}
	report.Finalized++
	log.Printf("✅ Finalized %s from interactive session %s", sess.taskID, sess.id)
	return nil
}

func appendUnique(list []string, item string) []string {
	if item == "" {
		return list
	}
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
