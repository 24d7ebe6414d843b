package types

// Tier is a named worker capability level (e.g. cheap/capable/premium)
// with different cost/quality tradeoffs.
type Tier string

// TierInteractive marks attempts reconstructed from hook-observed
// interactive sessions rather than orchestrator-driven executions.
const TierInteractive Tier = "interactive"

// ErrorClass classifies why an attempt failed
type ErrorClass string

const (
	ErrClassNone       ErrorClass = "none"
	ErrClassTimeout    ErrorClass = "timeout"
	ErrClassValidation ErrorClass = "validation_failure"
	ErrClassTool       ErrorClass = "tool_error"
	ErrClassCancelled  ErrorClass = "cancelled"
	ErrClassUnknown    ErrorClass = "unknown"
)

// Retryable reports whether a failure of this class should be retried on
// the same tier rather than escalated immediately
func (c ErrorClass) Retryable() bool {
	return c == ErrClassValidation || c == ErrClassTool
}

// ResourceUsage holds resource consumption in opaque numeric units
type ResourceUsage struct {
	Tokens     int64   `json:"tokens"`
	CostUnits  float64 `json:"cost_units"`
	DurationMs int64   `json:"duration_ms"`
}

// Add returns the sum of two usages
func (u ResourceUsage) Add(o ResourceUsage) ResourceUsage {
	return ResourceUsage{
		Tokens:     u.Tokens + o.Tokens,
		CostUnits:  u.CostUnits + o.CostUnits,
		DurationMs: u.DurationMs + o.DurationMs,
	}
}

// Attempt records a single execution of a task by a worker
type Attempt struct {
	Number        int           `json:"number"` // 1-based, strictly increasing
	Tier          Tier          `json:"tier"`
	StartedAt     int64         `json:"started_at"`
	EndedAt       int64         `json:"ended_at,omitempty"` // zero while in flight
	Success       bool          `json:"success"`
	Usage         ResourceUsage `json:"usage"`
	ErrorClass    ErrorClass    `json:"error_class"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	TranscriptRef string        `json:"transcript_ref,omitempty"` // relative blob path
	SessionID     string        `json:"session_id,omitempty"`     // interactive session this was synthesized from
}

// Open reports whether the attempt is still in flight (no end timestamp).
// A crashed orchestrator leaves exactly this shape behind.
func (a *Attempt) Open() bool {
	return a.EndedAt == 0
}

// DriftSeverity grades divergence between snapshot and outcome
type DriftSeverity string

const (
	DriftNone        DriftSeverity = "none"
	DriftMinor       DriftSeverity = "minor"
	DriftSignificant DriftSeverity = "significant"
)

// Drift records additions and omissions relative to the task snapshot
type Drift struct {
	Additions []string      `json:"additions,omitempty"`
	Omissions []string      `json:"omissions,omitempty"`
	Severity  DriftSeverity `json:"severity"`
}

// Outcome is the final result of a ledger entry, populated exactly once
type Outcome struct {
	Success        bool          `json:"success"`
	TotalUsage     ResourceUsage `json:"total_usage"`
	FinalTier      Tier          `json:"final_tier"`
	EscalationPath []Tier        `json:"escalation_path,omitempty"`
	FilesChanged   []string      `json:"files_changed,omitempty"`
	Commits        []string      `json:"commits,omitempty"`
	Approach       string        `json:"approach,omitempty"`
	Decisions      string        `json:"decisions,omitempty"`
	Lessons        string        `json:"lessons,omitempty"`
	Drift          Drift         `json:"drift"`
	FinalizedAt    int64         `json:"finalized_at"`
}

// WorkflowStage tracks how far a task has moved through the delivery pipeline
type WorkflowStage string

const (
	StageClaimed     WorkflowStage = "claimed"
	StageAttempting  WorkflowStage = "attempting"
	StageDevComplete WorkflowStage = "dev_complete"
	StageNeedsReview WorkflowStage = "needs_review"
	StageValidated   WorkflowStage = "validated"
	StageReleased    WorkflowStage = "released"
)

// StateTransition is one row in an entry's audit trail
type StateTransition struct {
	From   WorkflowStage `json:"from"`
	To     WorkflowStage `json:"to"`
	Actor  string        `json:"actor"`
	At     int64         `json:"at"`
	Reason string        `json:"reason,omitempty"`
}

// LedgerEntry is the durable record of everything that happened to one task.
// Created on first claim, mutated attempt-by-attempt, finalized once,
// never deleted.
type LedgerEntry struct {
	TaskID      string            `json:"task_id"`
	Snapshot    TaskSnapshot      `json:"task_snapshot"`
	Attempts    []Attempt         `json:"attempts"`
	Outcome     *Outcome          `json:"outcome,omitempty"`
	Stage       WorkflowStage     `json:"workflow_stage"`
	History     []StateTransition `json:"state_history"`
	AppliedKeys []string          `json:"applied_keys,omitempty"` // reconciliation idempotency keys
	// ObservedFiles and ObservedCommands accumulate hook-observed facts
	// before finalization folds them into the outcome.
	ObservedFiles    []string `json:"observed_files,omitempty"`
	ObservedCommands []string `json:"observed_commands,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

// Terminal reports whether the entry has been finalized
func (e *LedgerEntry) Terminal() bool {
	return e.Outcome != nil
}

// OpenAttempt returns the in-flight attempt, or nil.
// The store enforces at most one open attempt per entry.
func (e *LedgerEntry) OpenAttempt() *Attempt {
	for i := range e.Attempts {
		if e.Attempts[i].Open() {
			return &e.Attempts[i]
		}
	}
	return nil
}

// TotalUsage sums resource usage across all attempts
func (e *LedgerEntry) TotalUsage() ResourceUsage {
	var total ResourceUsage
	for _, a := range e.Attempts {
		total = total.Add(a.Usage)
	}
	return total
}

// HasKey reports whether an idempotency key was already applied
func (e *LedgerEntry) HasKey(key string) bool {
	for _, k := range e.AppliedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// EscalationPath returns the ordered list of distinct tiers used
func (e *LedgerEntry) EscalationPath() []Tier {
	var path []Tier
	for _, a := range e.Attempts {
		if len(path) == 0 || path[len(path)-1] != a.Tier {
			path = append(path, a.Tier)
		}
	}
	return path
}

// IndexRow is a denormalized one-line summary of a finalized entry,
// kept in the flat index file for O(1) lookups.
type IndexRow struct {
	TaskID      string        `json:"task_id"`
	Title       string        `json:"title"`
	EpicID      string        `json:"epic_id,omitempty"`
	Attempts    int           `json:"attempts"`
	Tokens      int64         `json:"tokens"`
	CostUnits   float64       `json:"cost_units"`
	Stage       WorkflowStage `json:"stage"`
	Success     bool          `json:"success"`
	FinalizedAt int64         `json:"finalized_at"`
}
