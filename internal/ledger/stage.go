package ledger

import (
	"fmt"

	"github.com/cloud-shuttle/tally/pkg/types"
)

// stageOrder defines the forward progression of workflow stages
var stageOrder = map[types.WorkflowStage]int{
	types.StageClaimed:     0,
	types.StageAttempting:  1,
	types.StageDevComplete: 2,
	types.StageNeedsReview: 3,
	types.StageValidated:   4,
	types.StageReleased:    5,
}

// ValidStage reports whether s is a known workflow stage
func ValidStage(s types.WorkflowStage) bool {
	_, ok := stageOrder[s]
	return ok
}

// canTransition reports whether a stage change is legal. Stages move
// monotonically forward, with one exception: validated or released entries
// may be reopened back to needs_review.
func canTransition(from, to types.WorkflowStage) bool {
	fo, ok := stageOrder[from]
	if !ok {
		return false
	}
	to2, ok := stageOrder[to]
	if !ok {
		return false
	}
	if to2 > fo {
		return true
	}
	// reopen
	return to == types.StageNeedsReview &&
		(from == types.StageValidated || from == types.StageReleased)
}

// transition applies a stage change to an entry and records it in the
// audit trail. The caller holds the entry lock.
func transition(e *types.LedgerEntry, to types.WorkflowStage, actor, reason string, now int64) error {
	if !canTransition(e.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, e.Stage, to)
	}
	e.History = append(e.History, types.StateTransition{
		From:   e.Stage,
		To:     to,
		Actor:  actor,
		At:     now,
		Reason: reason,
	})
	e.Stage = to
	return nil
}
