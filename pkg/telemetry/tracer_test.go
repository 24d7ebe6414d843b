package telemetry_test

import (
	"context"
	"testing"

	"github.com/cloud-shuttle/tally/pkg/telemetry"
)

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := telemetry.GetTraceID(context.Background()); id != "" {
		t.Errorf("expected empty trace id without a span, got %q", id)
	}
}

func TestStartTaskSpan_Noop(t *testing.T) {
	// Without an SDK installed the global provider returns no-op spans;
	// starting and ending one must still be safe.
	ctx, span := telemetry.StartTaskSpan(context.Background(), telemetry.SpanTaskExecute,
		telemetry.TaskAttrs("task-1", "title", "epic-1", 5)...)
	defer span.End()

	if ctx == nil {
		t.Fatal("expected a context back")
	}
	telemetry.SetAttemptResult(span, true, "none", 100)
	telemetry.RecordError(span, nil, "", "")
}
