// Package ledger implements the durable, append-first record of attempts
// and outcomes per task.
//
// Layout on disk: one directory per task id holding entry.json and an
// attempts/ directory of raw transcript blobs, plus a flat append-only
// index.jsonl of finalized entries. Writes are atomic at single-entry
// granularity (temp file + rename) and serialized per task id by a lock
// file, so writers in different processes never interleave on the same
// entry. Different task ids are fully independent.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloud-shuttle/tally/pkg/types"
)

var (
	// ErrEntryExists means a non-terminal entry already exists for the task.
	// Exactly one writer may own a task at a time.
	ErrEntryExists = errors.New("ledger entry already exists")
	// ErrNotFound means no entry exists for the task
	ErrNotFound = errors.New("ledger entry not found")
	// ErrAttemptOpen means an attempt is already in flight for the entry
	ErrAttemptOpen = errors.New("an attempt is already open")
	// ErrNoOpenAttempt means the attempt to complete is not open
	ErrNoOpenAttempt = errors.New("no open attempt")
	// ErrFinalized means the entry already has an outcome
	ErrFinalized = errors.New("ledger entry is finalized")
	// ErrNoAttempts means finalization was requested before any attempt
	ErrNoAttempts = errors.New("cannot finalize entry with no attempts")
	// ErrBadTransition means an illegal workflow stage change
	ErrBadTransition = errors.New("illegal stage transition")
	// ErrLockHeld means the per-entry lock could not be acquired in time
	ErrLockHeld = errors.New("entry lock held by another writer")
)

const (
	entryFileName = "entry.json"
	lockFileName  = "entry.lock"
	attemptsDir   = "attempts"
	indexFileName = "index.jsonl"
)

// Store manages ledger entries under a root directory
type Store struct {
	root         string
	actor        string
	lockTimeout  time.Duration
	lockStaleAge time.Duration
}

// Open opens (creating if needed) a ledger store rooted at dir.
// The actor name is recorded in stage transitions made by this store.
func Open(dir, actor string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &Store{
		root:         dir,
		actor:        actor,
		lockTimeout:  5 * time.Second,
		lockStaleAge: 2 * time.Minute,
	}, nil
}

// CreateEntry creates the ledger entry for a task at claim time.
// Fails with ErrEntryExists if any entry for the task already exists;
// resuming a stale non-terminal entry is the caller's job via Get.
func (s *Store) CreateEntry(snap types.TaskSnapshot) (*types.LedgerEntry, error) {
	if err := validID(snap.TaskID); err != nil {
		return nil, err
	}

	var created *types.LedgerEntry
	err := s.withLock(snap.TaskID, func() error {
		if _, err := s.load(snap.TaskID); err == nil {
			return fmt.Errorf("%w: task %s", ErrEntryExists, snap.TaskID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now().UnixMilli()
		entry := &types.LedgerEntry{
			TaskID:    snap.TaskID,
			Snapshot:  snap,
			Stage:     types.StageClaimed,
			CreatedAt: now,
			UpdatedAt: now,
			History: []types.StateTransition{
				{From: "", To: types.StageClaimed, Actor: s.actor, At: now},
			},
		}
		if err := s.save(entry); err != nil {
			return err
		}
		created = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get loads an entry by task id
func (s *Store) Get(taskID string) (*types.LedgerEntry, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	return s.load(taskID)
}

// StartAttempt appends a new open attempt to the entry and returns it.
// Exactly one attempt may be open at a time; the attempt is durable before
// the worker runs, so a crash mid-attempt always leaves a ledger trace.
func (s *Store) StartAttempt(taskID string, tier types.Tier) (*types.Attempt, error) {
	var started types.Attempt
	err := s.withLock(taskID, func() error {
		entry, err := s.load(taskID)
		if err != nil {
			return err
		}
		if entry.Terminal() {
			return fmt.Errorf("%w: task %s", ErrFinalized, taskID)
		}
		if entry.OpenAttempt() != nil {
			return fmt.Errorf("%w: task %s", ErrAttemptOpen, taskID)
		}

		now := time.Now().UnixMilli()
		started = types.Attempt{
			Number:    len(entry.Attempts) + 1,
			Tier:      tier,
			StartedAt: now,
		}
		entry.Attempts = append(entry.Attempts, started)

		if entry.Stage == types.StageClaimed {
			if err := transition(entry, types.StageAttempting, s.actor, "", now); err != nil {
				return err
			}
		}
		entry.UpdatedAt = now
		return s.save(entry)
	})
	if err != nil {
		return nil, err
	}
	return &started, nil
}

// AttemptResult carries the fields recorded when an attempt finishes
type AttemptResult struct {
	Success       bool
	Usage         types.ResourceUsage
	ErrorClass    types.ErrorClass
	ErrorMessage  string
	TranscriptRef string
}

// CompleteAttempt closes the open attempt identified by number
func (s *Store) CompleteAttempt(taskID string, number int, res AttemptResult) error {
	return s.withLock(taskID, func() error {
		entry, err := s.load(taskID)
		if err != nil {
			return err
		}
		if number < 1 || number > len(entry.Attempts) {
			return fmt.Errorf("%w: attempt %d of task %s", ErrNoOpenAttempt, number, taskID)
		}
		att := &entry.Attempts[number-1]
		if !att.Open() {
			return fmt.Errorf("%w: attempt %d of task %s already ended", ErrNoOpenAttempt, number, taskID)
		}

		now := time.Now().UnixMilli()
		att.EndedAt = now
		att.Success = res.Success
		att.Usage = res.Usage
		att.ErrorClass = res.ErrorClass
		att.ErrorMessage = res.ErrorMessage
		att.TranscriptRef = res.TranscriptRef
		if att.ErrorClass == "" {
			att.ErrorClass = types.ErrClassNone
		}
		if att.Usage.DurationMs == 0 {
			att.Usage.DurationMs = now - att.StartedAt
		}
		entry.UpdatedAt = now
		return s.save(entry)
	})
}

// WriteTranscript stores the raw worker output for an attempt and returns
// a reference relative to the entry directory
func (s *Store) WriteTranscript(taskID string, number int, output string) (string, error) {
	if err := validID(taskID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.entryDir(taskID), attemptsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating attempts directory: %w", err)
	}
	name := fmt.Sprintf("%03d.log", number)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(output), 0644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}
	return filepath.Join(attemptsDir, name), nil
}

// ReadTranscript loads a previously written transcript blob
func (s *Store) ReadTranscript(taskID, ref string) (string, error) {
	if err := validID(taskID); err != nil {
		return "", err
	}
	if strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid transcript ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.entryDir(taskID), ref))
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	return string(data), nil
}

// Finalize populates the entry outcome exactly once and appends the index
// row. Hook-observed files and commands accumulated on the entry are folded
// into the outcome. On success the stage advances to dev_complete.
func (s *Store) Finalize(taskID string, outcome types.Outcome) error {
	return s.withLock(taskID, func() error {
		entry, err := s.load(taskID)
		if err != nil {
			return err
		}
		if entry.Terminal() {
			return fmt.Errorf("%w: task %s", ErrFinalized, taskID)
		}
		if len(entry.Attempts) == 0 {
			return fmt.Errorf("%w: task %s", ErrNoAttempts, taskID)
		}
		if entry.OpenAttempt() != nil {
			return fmt.Errorf("%w: task %s has an open attempt", ErrAttemptOpen, taskID)
		}

		now := time.Now().UnixMilli()
		outcome.TotalUsage = entry.TotalUsage()
		outcome.EscalationPath = entry.EscalationPath()
		if n := len(entry.Attempts); outcome.FinalTier == "" && n > 0 {
			outcome.FinalTier = entry.Attempts[n-1].Tier
		}
		outcome.FilesChanged = mergeSet(outcome.FilesChanged, entry.ObservedFiles)
		outcome.FinalizedAt = now
		if outcome.Drift.Severity == "" {
			outcome.Drift.Severity = types.DriftNone
		}
		entry.Outcome = &outcome

		if outcome.Success {
			if err := transition(entry, types.StageDevComplete, s.actor, "", now); err != nil {
				return err
			}
		}
		entry.UpdatedAt = now
		if err := s.save(entry); err != nil {
			return err
		}
		return s.appendIndex(rowFor(entry))
	})
}

// Advance moves an entry forward through the workflow stages
func (s *Store) Advance(taskID string, to types.WorkflowStage, reason string) error {
	return s.withLock(taskID, func() error {
		entry, err := s.load(taskID)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		if err := transition(entry, to, s.actor, reason, now); err != nil {
			return err
		}
		entry.UpdatedAt = now
		return s.save(entry)
	})
}

// Reopen sends a validated or released entry back to needs_review
func (s *Store) Reopen(taskID, reason string) error {
	return s.Advance(taskID, types.StageNeedsReview, reason)
}

// ApplyKeyed runs a mutation under the entry lock unless its idempotency
// key was already applied. Returns true when the mutation ran.
func (s *Store) ApplyKeyed(taskID, key string, mutate func(*types.LedgerEntry) error) (bool, error) {
	n, err := s.ApplyKeys(taskID, []string{key}, func(e *types.LedgerEntry, _ []string) error {
		return mutate(e)
	})
	return n > 0, err
}

// ApplyKeys runs a mutation under the entry lock scoped to the subset of
// keys not yet applied. The mutation receives the fresh keys and runs only
// when there is at least one; all of them are recorded on success. Returns
// how many keys were fresh. This is how reconciliation merges hook-observed
// facts without double-recording: replayed facts fall out of the fresh set.
func (s *Store) ApplyKeys(taskID string, keys []string, mutate func(*types.LedgerEntry, []string) error) (int, error) {
	applied := 0
	err := s.withLock(taskID, func() error {
		entry, err := s.load(taskID)
		if err != nil {
			return err
		}
		var fresh []string
		for _, k := range keys {
			if !entry.HasKey(k) {
				fresh = append(fresh, k)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		if err := mutate(entry, fresh); err != nil {
			return err
		}
		entry.AppliedKeys = append(entry.AppliedKeys, fresh...)
		entry.UpdatedAt = time.Now().UnixMilli()
		applied = len(fresh)
		return s.save(entry)
	})
	return applied, err
}

// Scan walks every entry directory and loads the full entries.
// This is the authoritative view; the index is merely derived from it.
func (s *Store) Scan() ([]*types.LedgerEntry, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scanning ledger: %w", err)
	}

	var entries []*types.LedgerEntry
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		entry, err := s.load(de.Name())
		if errors.Is(err, ErrNotFound) {
			continue // stray directory without an entry file
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// entryDir returns the directory that holds one task's records
func (s *Store) entryDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

func (s *Store) load(taskID string) (*types.LedgerEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(taskID), entryFileName))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	var entry types.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing entry for task %s: %w", taskID, err)
	}
	return &entry, nil
}

// save writes the entry atomically: temp file in the same directory, fsync,
// rename. A crash mid-write never yields a half-written entry.
func (s *Store) save(entry *types.LedgerEntry) error {
	dir := s.entryDir(entry.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating entry directory: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, entryFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp entry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp entry: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, entryFileName)); err != nil {
		return fmt.Errorf("replacing entry: %w", err)
	}
	return nil
}

// withLock serializes writers on one task id across processes. The lock is
// a file created with O_EXCL; locks whose mtime is older than the stale age
// are broken, which covers writers that died without cleanup.
func (s *Store) withLock(taskID string, fn func() error) error {
	if err := validID(taskID); err != nil {
		return err
	}
	dir := s.entryDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating entry directory: %w", err)
	}
	lockPath := filepath.Join(dir, lockFileName)

	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquiring entry lock: %w", err)
		}
		if info, serr := os.Stat(lockPath); serr == nil &&
			time.Since(info.ModTime()) > s.lockStaleAge {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: task %s", ErrLockHeld, taskID)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer os.Remove(lockPath)

	return fn()
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task id")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

func mergeSet(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, lst := range [][]string{a, b} {
		for _, v := range lst {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
