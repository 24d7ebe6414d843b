package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ScriptAdapter runs an arbitrary executable as the worker. The instruction
// is passed on stdin and task metadata via TALLY_* environment variables.
// Useful for custom workers and for exercising the loop in tests.
type ScriptAdapter struct {
	path    string
	verbose bool
}

// NewScriptAdapter creates an adapter around an arbitrary executable
func NewScriptAdapter(path string) *ScriptAdapter {
	return &ScriptAdapter{path: path}
}

// SetVerbose enables or disables verbose logging
func (a *ScriptAdapter) SetVerbose(v bool) {
	a.verbose = v
}

// CheckInstalled verifies the script exists and is executable
func (a *ScriptAdapter) CheckInstalled() error {
	if a.path == "" {
		return fmt.Errorf("script adapter requires a path")
	}
	info, err := os.Stat(a.path)
	if err != nil {
		return fmt.Errorf("script %q: %w", a.path, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("script %q is not executable", a.path)
	}
	return nil
}

// Execute runs the script once. Exit code zero means success; the script
// may print a JSON usage trailer as its last line.
func (a *ScriptAdapter) Execute(ctx context.Context, inv *Invocation) *Result {
	execCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, a.path)
	cmd.Dir = inv.WorkDir
	cmd.Stdin = strings.NewReader(inv.Instruction)
	cmd.Env = append(os.Environ(),
		"TALLY_TASK_ID="+inv.TaskID,
		"TALLY_TIER="+string(inv.Tier),
	)
	cmd.Env = append(cmd.Env, inv.Env...)

	var outputBuf strings.Builder
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	return buildResult(execCtx, err, outputBuf.String(), duration)
}
