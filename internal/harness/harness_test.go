package harness

import (
	"context"
	"testing"
	"time"

	"github.com/cloud-shuttle/tally/pkg/types"
)

func TestParseUsage_TrailerLine(t *testing.T) {
	output := "doing work\nmore output\n{\"tokens\": 1500, \"cost_units\": 0.75}\n"

	usage, ok := parseUsage(output)
	if !ok {
		t.Fatal("expected usage trailer to parse")
	}
	if usage.Tokens != 1500 {
		t.Errorf("expected 1500 tokens, got %d", usage.Tokens)
	}
	if usage.CostUnits != 0.75 {
		t.Errorf("expected 0.75 cost units, got %g", usage.CostUnits)
	}
}

func TestParseUsage_NoTrailer(t *testing.T) {
	if _, ok := parseUsage("just some text\nno json here"); ok {
		t.Error("expected no usage without a trailer")
	}
	// JSON that is not a usage trailer
	if _, ok := parseUsage("{\"verdict\": \"pass\"}"); ok {
		t.Error("non-usage JSON must not parse as usage")
	}
}

func TestClassify_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	if c := classify(ctx, context.DeadlineExceeded, ""); c != types.ErrClassTimeout {
		t.Errorf("expected timeout, got %s", c)
	}
}

func TestClassify_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c := classify(ctx, context.Canceled, ""); c != types.ErrClassCancelled {
		t.Errorf("expected cancelled, got %s", c)
	}
}

func TestClassify_ValidationFromOutput(t *testing.T) {
	ctx := context.Background()

	if c := classify(ctx, nil, "some work...\nVERDICT: FAIL\n"); c != types.ErrClassValidation {
		t.Errorf("expected validation_failure, got %s", c)
	}
	if c := classify(ctx, nil, "Task failed: tests did not pass"); c != types.ErrClassValidation {
		t.Errorf("expected validation_failure, got %s", c)
	}
}

func TestClassify_ExitError(t *testing.T) {
	ctx := context.Background()
	execErr := context.DeadlineExceeded // any non-nil error without ctx expiry

	if c := classify(ctx, execErr, "clean output"); c != types.ErrClassTool {
		t.Errorf("expected tool_error, got %s", c)
	}
}

func TestClassify_Clean(t *testing.T) {
	if c := classify(context.Background(), nil, "all done"); c != types.ErrClassNone {
		t.Errorf("expected none, got %s", c)
	}
}

func TestNew_Registry(t *testing.T) {
	for _, typ := range []string{"claude", "codex", "script"} {
		if _, err := New(&Config{Type: typ, Path: "/bin/true"}); err != nil {
			t.Errorf("New(%q) failed: %v", typ, err)
		}
	}
	if _, err := New(&Config{Type: "carrier-pigeon"}); err == nil {
		t.Error("unknown adapter type must be rejected")
	}
}

func TestBuildResult_FillsDuration(t *testing.T) {
	res := buildResult(context.Background(), nil, "ok", 1500*time.Millisecond)
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.Usage.DurationMs != 1500 {
		t.Errorf("expected 1500ms, got %d", res.Usage.DurationMs)
	}
}
