// Package telemetry provides OpenTelemetry observability for Tally
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Tally
var tracer = otel.Tracer("tally")

// Span names for Tally operations
const (
	// Loop spans
	SpanLoopRun  = "tally.loop.run"
	SpanLoopOnce = "tally.loop.once"

	// Task spans
	SpanTaskClaim    = "tally.task.claim"
	SpanTaskExecute  = "tally.task.execute"
	SpanTaskAttempt  = "tally.task.attempt"
	SpanTaskFinalize = "tally.task.finalize"

	// Harness spans
	SpanHarnessExecute = "tally.harness.execute"

	// Ledger spans
	SpanLedgerCreate   = "tally.ledger.create"
	SpanLedgerFinalize = "tally.ledger.finalize"
	SpanLedgerRebuild  = "tally.ledger.rebuild_index"

	// Reconciliation spans
	SpanReconcileApply = "tally.reconcile.apply"
)

// StartLoopSpan starts a span for a loop run
func StartLoopSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeySessionID, sessionID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for a task operation with task attributes
func StartTaskSpan(ctx context.Context, name string, taskAttrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(taskAttrs...))
}

// StartHarnessSpan starts a span for a harness adapter execution
func StartHarnessSpan(ctx context.Context, adapterType, tier string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyAdapterType, adapterType),
		attribute.String(KeyTier, tier),
	)
	return tracer.Start(ctx, SpanHarnessExecute, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(KeyErrorType, errorType),
	}
	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetAttemptResult annotates a span with the result of an attempt
func SetAttemptResult(span trace.Span, success bool, errorClass string, tokens int64) {
	span.SetAttributes(
		attribute.Bool(KeyAttemptSuccess, success),
		attribute.String(KeyErrorClass, errorClass),
		attribute.Int64(KeyUsageTokens, tokens),
	)
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
