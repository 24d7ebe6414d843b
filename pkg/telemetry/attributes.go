package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for Tally-specific attributes
const (
	// Session attributes
	KeySessionID = "tally.session.id"

	// Task attributes
	KeyTaskID       = "tally.task.id"
	KeyTaskTitle    = "tally.task.title"
	KeyTaskPriority = "tally.task.priority"
	KeyEpicID       = "tally.epic.id"

	// Attempt attributes
	KeyAttemptNumber  = "tally.attempt.number"
	KeyAttemptSuccess = "tally.attempt.success"
	KeyTier           = "tally.attempt.tier"
	KeyErrorClass     = "tally.attempt.error_class"
	KeyUsageTokens    = "tally.attempt.tokens"

	// Adapter attributes
	KeyAdapterType = "tally.adapter.type"

	// Error attributes
	KeyErrorType     = "tally.error.type"
	KeyErrorCategory = "tally.error.category"
)

// Error categories
const (
	ErrorCategoryHarness = "harness"
	ErrorCategoryBackend = "backend"
	ErrorCategoryLedger  = "ledger"
	ErrorCategoryTimeout = "timeout"
	ErrorCategoryUnknown = "unknown"
)

// TaskAttrs returns a set of attributes for a task
func TaskAttrs(id, title, epicID string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, id),
		attribute.String(KeyTaskTitle, title),
		attribute.String(KeyEpicID, epicID),
		attribute.Int(KeyTaskPriority, priority),
	}
}

// AttemptAttrs returns a set of attributes for an attempt
func AttemptAttrs(number int, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(KeyAttemptNumber, number),
		attribute.String(KeyTier, tier),
	}
}
