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
	"go.opentelemetry.io/otel/attribute"
)

// CodexAdapter runs work using the Codex CLI
type CodexAdapter struct {
	path    string
	verbose bool
}

// NewCodexAdapter creates a new Codex adapter
func NewCodexAdapter(path string) *CodexAdapter {
	if path == "" {
		path = "codex"
	}
	return &CodexAdapter{path: path}
}

// SetVerbose enables or disables verbose logging
func (a *CodexAdapter) SetVerbose(v bool) {
	a.verbose = v
}

// CheckInstalled verifies the codex binary is reachable
func (a *CodexAdapter) CheckInstalled() error {
	if _, err := exec.LookPath(a.path); err != nil {
		return fmt.Errorf("codex not found at %q: %w", a.path, err)
	}
	return nil
}

// Execute runs one invocation through the Codex CLI
func (a *CodexAdapter) Execute(ctx context.Context, inv *Invocation) *Result {
	execCtx, span := telemetry.StartHarnessSpan(ctx, "codex", string(inv.Tier),
		attribute.String(telemetry.KeyTaskID, inv.TaskID))
	defer span.End()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, inv.Timeout)
		defer cancel()
	}

	args := []string{"exec", "--full-auto"}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	args = append(args, inv.Instruction)

	cmd := exec.CommandContext(execCtx, a.path, args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), inv.Env...)

	var outputBuf, errBuf strings.Builder
	cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)

	if a.verbose {
		log.Printf("🤖 codex [%s] task %s (instruction: %d chars)",
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
