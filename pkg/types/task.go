// Package types defines core data structures shared across Tally
package types

// TaskStatus represents the current state of a task in the backlog
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusClosed     TaskStatus = "closed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task represents a unit of work tracked by the task backend.
// Tally references tasks but does not own them; the backend does.
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	EpicID        string     `json:"epic_id,omitempty"`
	Priority      int        `json:"priority"`
	Labels        []string   `json:"labels,omitempty"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	Status        TaskStatus `json:"status"`
	EstimatedCost float64    `json:"estimated_cost,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
}

// TaskSnapshot is an immutable copy of task fields captured at claim time.
// The ledger keeps it so drift between what was asked for and what was
// delivered can be detected later.
type TaskSnapshot struct {
	TaskID        string   `json:"task_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	EpicID        string   `json:"epic_id,omitempty"`
	Priority      int      `json:"priority"`
	Labels        []string `json:"labels,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	EstimatedCost float64  `json:"estimated_cost,omitempty"`
	CapturedAt    int64    `json:"captured_at"`
}

// Snapshot captures the task fields that matter for drift detection
func (t *Task) Snapshot(now int64) TaskSnapshot {
	return TaskSnapshot{
		TaskID:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		EpicID:        t.EpicID,
		Priority:      t.Priority,
		Labels:        append([]string(nil), t.Labels...),
		DependsOn:     append([]string(nil), t.DependsOn...),
		EstimatedCost: t.EstimatedCost,
		CapturedAt:    now,
	}
}
