// Package prompt renders worker instructions from task state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cloud-shuttle/tally/pkg/types"
)

// Input carries everything the renderer needs for one attempt.
type Input struct {
	Task       *types.Task
	Attempt    int    // 1-based
	Tier       string // tier the attempt runs on
	Guidelines []string
	// Prior holds the previous failed attempt, if any, so the worker
	// gets told what went wrong instead of repeating it.
	Prior *types.Attempt
}

// Render builds the instruction sent to the worker for one attempt
func Render(in Input) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Task: %s\n", in.Task.Title))

	if in.Task.Description != "" {
		b.WriteString(fmt.Sprintf("Description: %s\n", in.Task.Description))
	}

	if in.Task.EpicID != "" {
		b.WriteString(fmt.Sprintf("\nThis task is part of epic: %s\n", in.Task.EpicID))
	}

	if len(in.Task.Labels) > 0 {
		b.WriteString(fmt.Sprintf("Labels: %s\n", strings.Join(in.Task.Labels, ", ")))
	}

	if len(in.Guidelines) > 0 {
		b.WriteString("\nProject guidelines:\n")
		for _, g := range in.Guidelines {
			b.WriteString(fmt.Sprintf("- %s\n", g))
		}
	}

	if in.Prior != nil && in.Prior.ErrorClass != types.ErrClassNone {
		b.WriteString(fmt.Sprintf("\nA previous attempt failed (%s).", in.Prior.ErrorClass))
		if in.Prior.ErrorMessage != "" {
			b.WriteString(fmt.Sprintf(" Error: %s", in.Prior.ErrorMessage))
		}
		b.WriteString(" Take a different approach if the same one would fail again.\n")
	}

	if in.Attempt > 1 {
		b.WriteString(fmt.Sprintf("\nThis is attempt %d.\n", in.Attempt))
	}

	b.WriteString("\nPlease implement this task completely.")
	b.WriteString("\n\nWhen finished, print a single JSON line with your resource usage: {\"tokens\": <n>, \"cost_units\": <n>}")

	return b.String()
}
