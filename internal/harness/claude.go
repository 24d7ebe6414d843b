// Package harness provides the Claude Code adapter implementation
package harness

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cloud-shuttle/tally/pkg/telemetry"
	"github.com/cloud-shuttle/tally/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// ClaudeAdapter runs work using the Claude Code CLI
type ClaudeAdapter struct {
	path    string
	verbose bool
}

// NewClaudeAdapter creates a new Claude Code adapter
func NewClaudeAdapter(path string) *ClaudeAdapter {
	if path == "" {
		path = "claude"
	}
	return &ClaudeAdapter{path: path}
}

// SetVerbose enables or disables verbose logging
func (a *ClaudeAdapter) SetVerbose(v bool) {
	a.verbose = v
}

// CheckInstalled verifies the claude binary is reachable
func (a *ClaudeAdapter) CheckInstalled() error {
	if _, err := exec.LookPath(a.path); err != nil {
		return fmt.Errorf("claude not found at %q: %w", a.path, err)
	}
	return nil
}

// Execute runs one invocation through the Claude Code CLI
func (a *ClaudeAdapter) Execute(ctx context.Context, inv *Invocation) *Result {
	execCtx, span := telemetry.StartHarnessSpan(ctx, "claude", string(inv.Tier),
		attribute.String(telemetry.KeyTaskID, inv.TaskID))
	defer span.End()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, inv.Timeout)
		defer cancel()
	}

	// -p for non-interactive print mode; skip permission prompts so the
	// run never hangs waiting for a human
	args := []string{"-p", inv.Instruction, "--dangerously-skip-permissions"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}

	cmd := exec.CommandContext(execCtx, a.path, args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), inv.Env...)

	// Capture output while streaming for real-time viewing
	var outputBuf, errBuf strings.Builder
	cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)

	if a.verbose {
		log.Printf("🤖 claude [%s] task %s (instruction: %d chars)",
			inv.Tier, inv.TaskID, len(inv.Instruction))
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	output := outputBuf.String() + errBuf.String()
	res := buildResult(execCtx, err, output, duration)

	if res.Err != nil {
		telemetry.RecordError(span, res.Err, "ExecutionError", errorCategory(res.ErrorClass))
	}
	telemetry.SetAttemptResult(span, res.Success, string(res.ErrorClass), res.Usage.Tokens)
	return res
}

// buildResult assembles a Result from raw execution output. Shared by the
// process-based adapters.
func buildResult(ctx context.Context, execErr error, output string, duration time.Duration) *Result {
	usage, _ := parseUsage(output)
	usage.DurationMs = duration.Milliseconds()

	class := classify(ctx, execErr, output)
	res := &Result{
		Success:    class == types.ErrClassNone,
		Output:     output,
		Usage:      usage,
		ErrorClass: class,
	}

	switch class {
	case types.ErrClassNone:
	case types.ErrClassTimeout:
		res.Err = fmt.Errorf("worker timed out after %v", duration.Round(time.Second))
	case types.ErrClassCancelled:
		res.Err = fmt.Errorf("worker cancelled after %v", duration.Round(time.Second))
	case types.ErrClassValidation:
		res.Err = fmt.Errorf("worker reported failure")
	default:
		if execErr != nil {
			res.Err = execErr
		} else {
			res.Err = fmt.Errorf("worker failed")
		}
	}
	return res
}
