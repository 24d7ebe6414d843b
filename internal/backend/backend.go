// Package backend defines the narrow contract Tally requires from a task
// backlog store, plus the bundled SQLite implementation.
//
// The orchestrator never assumes more than this interface: any store that
// can list ready tasks and claim them atomically can drive Tally.
package backend

import (
	"context"
	"errors"

	"github.com/cloud-shuttle/tally/pkg/types"
)

// ErrTaskNotFound means the referenced task does not exist in the backend
var ErrTaskNotFound = errors.New("task not found")

// Backend is the task backlog contract.
//
// ListReady must exclude tasks with unclosed dependencies. Claim must be an
// atomic compare-and-set from open to in_progress; a false return means
// someone else claimed first, which is the concurrency safety valve when
// multiple orchestrators or a human race on the same task. ListInProgress
// exists for crash recovery: claimed tasks are invisible to ListReady, so
// the orchestrator needs a way to find work a dead run left behind.
type Backend interface {
	ListReady(ctx context.Context) ([]*types.Task, error)
	ListInProgress(ctx context.Context) ([]*types.Task, error)
	Get(ctx context.Context, id string) (*types.Task, error)
	Claim(ctx context.Context, id string) (bool, error)
	Close(ctx context.Context, id, reason string) error
	Fail(ctx context.Context, id, reason string) error
	Update(ctx context.Context, id string, fields map[string]any) error
}
