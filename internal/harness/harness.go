// Package harness provides execution adapters for different worker backends
package harness

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/tally/pkg/telemetry"
	"github.com/cloud-shuttle/tally/pkg/types"
)

// Invocation is one unit of work handed to an adapter
type Invocation struct {
	TaskID      string
	Instruction string
	Tier        types.Tier
	Model       string // model the tier maps to; empty means adapter default
	WorkDir     string
	Env         []string // extra environment, e.g. the orchestrator ownership marker
	Timeout     time.Duration
}

// Result is the structured outcome of one adapter execution
type Result struct {
	Success    bool
	Output     string
	Usage      types.ResourceUsage
	ErrorClass types.ErrorClass
	Err        error
}

// Adapter is the interface all worker backends implement. The core never
// branches on adapter identity; adapters are interchangeable.
type Adapter interface {
	// Execute runs one invocation with a bounded timeout and returns the
	// structured result
	Execute(ctx context.Context, inv *Invocation) *Result

	// CheckInstalled verifies the adapter is available and configured
	CheckInstalled() error

	// SetVerbose enables or disables verbose logging
	SetVerbose(bool)
}

// Config contains configuration for creating an adapter
type Config struct {
	// Type is the adapter type: "claude", "codex", or "script"
	Type string

	// Path is the path to the adapter binary
	Path string

	// Verbose enables detailed logging
	Verbose bool
}

// New creates an Adapter based on the provided configuration
func New(cfg *Config) (Adapter, error) {
	var adapter Adapter

	switch cfg.Type {
	case "claude", "":
		adapter = NewClaudeAdapter(cfg.Path)
	case "codex":
		adapter = NewCodexAdapter(cfg.Path)
	case "script":
		adapter = NewScriptAdapter(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}

	if cfg.Verbose {
		adapter.SetVerbose(true)
	}
	return adapter, nil
}

// usageLine is the machine-readable trailer workers may print as their
// final output line to report resource consumption
type usageLine struct {
	Tokens    int64   `json:"tokens"`
	CostUnits float64 `json:"cost_units"`
}

// parseUsage scans output from the end for a JSON usage trailer.
// Workers that don't emit one are charged wall time only.
func parseUsage(output string) (types.ResourceUsage, bool) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	for i := len(lines) - 1; i >= 0 && i >= len(lines)-5; i-- {
		if !strings.HasPrefix(lines[i], "{") {
			continue
		}
		var u usageLine
		if err := json.Unmarshal([]byte(lines[i]), &u); err != nil {
			continue
		}
		if u.Tokens > 0 || u.CostUnits > 0 {
			return types.ResourceUsage{Tokens: u.Tokens, CostUnits: u.CostUnits}, true
		}
	}
	return types.ResourceUsage{}, false
}

// errorCategory maps an error class onto the span error category
func errorCategory(class types.ErrorClass) string {
	switch class {
	case types.ErrClassTimeout:
		return telemetry.ErrorCategoryTimeout
	case types.ErrClassUnknown:
		return telemetry.ErrorCategoryUnknown
	}
	return telemetry.ErrorCategoryHarness
}

// classify maps an execution error and its output onto the error taxonomy
func classify(ctx context.Context, execErr error, output string) types.ErrorClass {
	if ctx.Err() == context.DeadlineExceeded {
		return types.ErrClassTimeout
	}
	if ctx.Err() == context.Canceled {
		return types.ErrClassCancelled
	}

	lower := strings.ToLower(output)
	if strings.Contains(lower, "verdict: fail") || strings.Contains(lower, "task failed") {
		return types.ErrClassValidation
	}
	if execErr != nil {
		return types.ErrClassTool
	}
	return types.ErrClassNone
}
