// Package main is the entry point for the Tally CLI
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/tally/internal/backend"
	"github.com/cloud-shuttle/tally/internal/config"
)

var cfg *config.Config

// Sentinel errors mapped to dedicated exit codes so scripts can branch on
// why a run stopped.
var (
	errBudgetStop  = errors.New("budget exhausted")
	errInterrupted = errors.New("interrupted")
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "tally",
		Short: "Run your backlog through AI workers and keep the receipts",
		Long: `Tally claims ready tasks from your backlog, runs them through an AI
worker with automatic retry and tier escalation, and records every attempt
in a durable on-disk ledger. Budgets bound a run; interactive sessions are
folded in after the fact via hooks and reconciliation.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		initCmd(),
		runCmd(),
		runOnceCmd(),
		addCmd(),
		statusCmd(),
		ledgerCmd(),
		reconcileCmd(),
		hookCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, errBudgetStop):
			fmt.Fprintln(os.Stderr, "Budget exhausted")
			os.Exit(1)
		case errors.Is(err, errInterrupted):
			os.Exit(130)
		default:
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
}

// findProjectDir locates the tally project root by searching upward
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, cfg.DataDir)); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a tally project (or any parent up to root); run `tally init` first")
		}
		dir = parent
	}
}

// requireProject ensures we're in a tally project and opens the backend
func requireProject() (string, *backend.SQLiteBackend, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, err
	}

	be, err := backend.OpenSQLite(filepath.Join(dir, cfg.DataDir, "tasks.db"))
	if err != nil {
		return "", nil, fmt.Errorf("opening task database: %w", err)
	}

	return dir, be, nil
}

// dataDir returns the absolute data directory for a project root
func dataDir(projectDir string) string {
	return filepath.Join(projectDir, cfg.DataDir)
}

// ledgerDir returns where ledger entries live for a project root
func ledgerDir(projectDir string) string {
	return filepath.Join(projectDir, cfg.DataDir, "ledger")
}
