// Package hooks emits observed facts from interactive worker sessions.
//
// When a developer runs a hook-instrumented agent by hand, the hooks feed
// facts into an append-only log that `tally reconcile` later folds into the
// ledger. When the orchestrator itself drives the agent it sets the ownership
// marker env var, and the observer stays silent so the same work is not
// tracked twice.
package hooks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OwnerMarkerEnv is set by the orchestrator on every worker it launches.
// Hooks running inside such a worker must not emit facts.
const OwnerMarkerEnv = "TALLY_ORCHESTRATOR_SESSION"

// FactsFileName is the append-only fact log, relative to the data dir.
const FactsFileName = "hooks/facts.jsonl"

// FactKind identifies what a hook observed
type FactKind string

const (
	FactSessionStart FactKind = "session_start"
	FactFileTouched  FactKind = "file_touched"
	FactCommandRun   FactKind = "command_run"
	FactSessionEnd   FactKind = "session_end"
)

// Fact is one observed event. SessionID plus Seq form the idempotency key
// reconciliation uses to make replays harmless.
type Fact struct {
	SessionID string   `json:"session_id"`
	Seq       int      `json:"seq"`
	Kind      FactKind `json:"kind"`
	At        int64    `json:"at"` // unix millis
	TaskID    string   `json:"task_id,omitempty"`
	Path      string   `json:"path,omitempty"`    // file_touched
	Command   string   `json:"command,omitempty"` // command_run
	Success   bool     `json:"success,omitempty"` // session_end
	Summary   string   `json:"summary,omitempty"` // session_end
}

// Key returns the idempotency key for this fact
func (f *Fact) Key() string {
	return fmt.Sprintf("%s/%d", f.SessionID, f.Seq)
}

// Suppressed reports whether the orchestrator owns this process tree.
// Hooks check it before emitting anything.
func Suppressed() bool {
	return os.Getenv(OwnerMarkerEnv) != ""
}

// Observer appends facts to the fact log for one hook session
type Observer struct {
	mu        sync.Mutex
	path      string
	sessionID string
	taskID    string
	seq       int
}

// NewObserver creates an observer writing under dataDir. The session id is
// minted fresh; pass taskID if the hook knows which task the session is for.
func NewObserver(dataDir, taskID string) (*Observer, error) {
	path := filepath.Join(dataDir, FactsFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create hooks directory: %w", err)
	}
	return &Observer{
		path:      path,
		sessionID: uuid.New().String(),
		taskID:    taskID,
	}, nil
}

// ResumeObserver reattaches to an existing session id so that the start and
// end of a session land under the same idempotency scope. seq must be the
// next unused sequence number for that session.
func ResumeObserver(dataDir, sessionID, taskID string, seq int) *Observer {
	return &Observer{
		path:      filepath.Join(dataDir, FactsFileName),
		sessionID: sessionID,
		taskID:    taskID,
		seq:       seq,
	}
}

// SessionID returns the session this observer emits under
func (o *Observer) SessionID() string {
	return o.sessionID
}

// Emit appends one fact. No-op when the orchestrator marker is set.
func (o *Observer) Emit(kind FactKind, fill func(*Fact)) error {
	if Suppressed() {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	fact := Fact{
		SessionID: o.sessionID,
		Seq:       o.seq,
		Kind:      kind,
		At:        time.Now().UnixMilli(),
		TaskID:    o.taskID,
	}
	if fill != nil {
		fill(&fact)
	}

	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("failed to marshal fact: %w", err)
	}

	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open fact log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append fact: %w", err)
	}
	o.seq++
	return nil
}

// SessionStart records the beginning of an interactive session
func (o *Observer) SessionStart() error {
	return o.Emit(FactSessionStart, nil)
}

// FileTouched records a file the session modified
func (o *Observer) FileTouched(path string) error {
	return o.Emit(FactFileTouched, func(f *Fact) { f.Path = path })
}

// CommandRun records a command the session executed
func (o *Observer) CommandRun(command string) error {
	return o.Emit(FactCommandRun, func(f *Fact) { f.Command = command })
}

// SessionEnd records the end of a session and its outcome
func (o *Observer) SessionEnd(success bool, summary string) error {
	return o.Emit(FactSessionEnd, func(f *Fact) {
		f.Success = success
		f.Summary = summary
	})
}

// ReadFacts loads every well-formed fact from the log under dataDir.
// Torn trailing lines from a crashed writer are skipped, matching how the
// ledger index treats its own log.
func ReadFacts(dataDir string) ([]Fact, error) {
	path := filepath.Join(dataDir, FactsFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open fact log: %w", err)
	}
	defer f.Close()

	var facts []Fact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fact Fact
		if err := json.Unmarshal(line, &fact); err != nil {
			continue // torn write
		}
		facts = append(facts, fact)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fact log: %w", err)
	}
	return facts, nil
}
