package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/tally/internal/backend"
	"github.com/cloud-shuttle/tally/internal/harness"
	"github.com/cloud-shuttle/tally/internal/hooks"
	"github.com/cloud-shuttle/tally/internal/ledger"
	"github.com/cloud-shuttle/tally/internal/orchestrator"
	"github.com/cloud-shuttle/tally/internal/project"
	"github.com/cloud-shuttle/tally/internal/reconcile"
	"github.com/cloud-shuttle/tally/internal/session"
	"github.com/cloud-shuttle/tally/pkg/telemetry"
	"github.com/cloud-shuttle/tally/pkg/types"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Tally in the current project",
		Long: `Initialize Tally in the current project.

Creates a .tally directory with the task database, the ledger, and a
tally.toml you can edit to configure tiers, budgets, and guidelines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			tallyDir := filepath.Join(dir, cfg.DataDir)
			if _, err := os.Stat(tallyDir); err == nil {
				return fmt.Errorf("already initialized in %s", tallyDir)
			}

			if err := os.MkdirAll(tallyDir, 0755); err != nil {
				return fmt.Errorf("creating %s directory: %w", cfg.DataDir, err)
			}

			be, err := backend.OpenSQLite(filepath.Join(tallyDir, "tasks.db"))
			if err != nil {
				return fmt.Errorf("creating task database: %w", err)
			}
			defer be.CloseDB()

			if err := be.InitSchema(); err != nil {
				return fmt.Errorf("initializing schema: %w", err)
			}

			if _, err := ledger.Open(ledgerDir(dir), "init"); err != nil {
				return fmt.Errorf("creating ledger: %w", err)
			}

			configPath := filepath.Join(dir, project.ConfigFileName)
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := os.WriteFile(configPath, []byte(projectConfigTemplate), 0644); err != nil {
					return fmt.Errorf("writing %s: %w", project.ConfigFileName, err)
				}
			}

			fmt.Printf("🧮 Initialized Tally in %s\n", tallyDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  tally add \"My first task\"")
			fmt.Println("  tally run")
			fmt.Printf("\n📋 Project config created: %s\n", project.ConfigFileName)
			fmt.Println("   Review the tiers and budgets before running.")

			return nil
		},
	}
}

const projectConfigTemplate = `# Tally project configuration
#
# adapter = "claude"          # claude, codex, or script
# attempt_timeout = "30m"
# max_attempts_per_tier = 2
# max_total_attempts = 6
#
# Escalation ladder, cheapest first. Models are adapter-specific.
# [[tiers]]
# name = "cheap"
# model = "claude-haiku-latest"
# [[tiers]]
# name = "capable"
# model = "claude-sonnet-latest"
# [[tiers]]
# name = "premium"
# model = "claude-opus-latest"
#
# Budgets per run; zero or absent means unlimited.
# budget_tokens = 0
# budget_cost = 0.0
# budget_time = "0s"
# warn_threshold = 80
#
# Guidelines are included in every worker instruction, one per line.
# guidelines = """
# run the full test suite before declaring success
# keep changes minimal and focused
# """
`

func runCmd() *cobra.Command {
	var (
		once         bool
		budgetTokens int64
		budgetCost   float64
		budgetTime   time.Duration
		adapterType  string
		verbose      bool
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Execute ready tasks to completion",
		Long: `Run ready tasks through the configured worker until the backlog drains
or a budget runs out.

Tasks are claimed in dependency and priority order. Failed attempts retry
and escalate through the tier ladder; exhausted tasks are marked failed
with the full history kept in the ledger.

Exit codes: 0 backlog drained, 1 budget exhausted, 2 error, 130 interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(runOptions{
				once:         once,
				budgetTokens: budgetTokens,
				budgetCost:   budgetCost,
				budgetTime:   budgetTime,
				adapterType:  adapterType,
				verbose:      verbose,
			})
		},
	}

	command.Flags().BoolVar(&once, "once", false, "Process a single task and exit")
	command.Flags().Int64Var(&budgetTokens, "budget-tokens", 0, "Token budget for this run (0 = unlimited)")
	command.Flags().Float64Var(&budgetCost, "budget-cost", 0, "Cost budget for this run (0 = unlimited)")
	command.Flags().DurationVar(&budgetTime, "budget-time", 0, "Wall-clock budget for this run (0 = unlimited)")
	command.Flags().StringVar(&adapterType, "adapter", "", "Adapter to use: claude, codex, or script")
	command.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	return command
}

func runOnceCmd() *cobra.Command {
	var verbose bool

	command := &cobra.Command{
		Use:   "run-once",
		Short: "Claim and execute a single task, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(runOptions{once: true, verbose: verbose})
		},
	}

	command.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	return command
}

type runOptions struct {
	once         bool
	budgetTokens int64
	budgetCost   float64
	budgetTime   time.Duration
	adapterType  string
	verbose      bool
}

func doRun(opts runOptions) error {
	projectDir, be, err := requireProject()
	if err != nil {
		return err
	}
	defer be.CloseDB()

	runCfg := *cfg

	proj, err := project.Load(projectDir)
	if err != nil {
		return err
	}
	if err := proj.Validate(); err != nil {
		return err
	}
	proj.MergeInto(&runCfg)

	// Flags beat config.
	if opts.budgetTokens > 0 {
		runCfg.BudgetTokens = opts.budgetTokens
	}
	if opts.budgetCost > 0 {
		runCfg.BudgetCost = opts.budgetCost
	}
	if opts.budgetTime > 0 {
		runCfg.BudgetTime = opts.budgetTime
	}
	if opts.adapterType != "" {
		runCfg.AdapterType = opts.adapterType
		runCfg.AdapterPath = opts.adapterType
	}
	runCfg.Verbose = runCfg.Verbose || opts.verbose

	lock, err := session.Acquire(dataDir(projectDir), runCfg.HeartbeatInterval, runCfg.StaleLockAge)
	if err != nil {
		return err
	}
	defer lock.Release()

	adapter, err := harness.New(&harness.Config{
		Type:    runCfg.AdapterType,
		Path:    runCfg.AdapterPath,
		Verbose: runCfg.Verbose,
	})
	if err != nil {
		return err
	}
	if err := adapter.CheckInstalled(); err != nil {
		return err
	}

	store, err := ledger.Open(ledgerDir(projectDir), "orchestrator/"+lock.ID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := watchInterrupts(cancel)

	orch := orchestrator.New(&runCfg, store, be, adapter, lock.ID, projectDir, splitGuidelines(proj.GetGuidelines()))

	var result *orchestrator.LoopResult
	if opts.once {
		result, err = orch.RunOnce(ctx)
	} else {
		result, err = orch.Run(ctx)
	}

	if result != nil {
		used := orch.Used()
		fmt.Printf("\n📊 Run complete: %d attempted, %d succeeded, %d failed\n",
			result.Attempted, result.Succeeded, result.Failed)
		fmt.Printf("   Usage: %d tokens, %.2f cost units, %s\n",
			used.Tokens, used.CostUnits, (time.Duration(used.DurationMs) * time.Millisecond).Round(time.Second))
	}

	if interrupted.Load() {
		return errInterrupted
	}
	if err != nil {
		return err
	}
	if result != nil && result.BudgetStopped {
		return errBudgetStop
	}
	return nil
}

// watchInterrupts cancels the run on the first SIGINT or SIGTERM and
// returns a flag the caller reads after the loop exits. The flag is atomic
// because the signal goroutine writes it while the main goroutine reads it.
func watchInterrupts(cancel context.CancelFunc) *atomic.Bool {
	flagged := &atomic.Bool{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n🛑 Interrupt received, stopping gracefully...")
		flagged.Store(true)
		cancel()
		signal.Stop(sigCh)
	}()
	return flagged
}

func splitGuidelines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func addCmd() *cobra.Command {
	var (
		desc      string
		epicID    string
		priority  int
		labels    []string
		dependsOn []string
		estimate  float64
	)

	command := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, be, err := requireProject()
			if err != nil {
				return err
			}
			defer be.CloseDB()

			task := &types.Task{
				ID:            "task-" + uuid.NewString()[:8],
				Title:         args[0],
				Description:   desc,
				EpicID:        epicID,
				Priority:      priority,
				Labels:        labels,
				DependsOn:     dependsOn,
				EstimatedCost: estimate,
				Status:        types.TaskStatusOpen,
			}
			if err := be.CreateTask(cmd.Context(), task); err != nil {
				return err
			}

			fmt.Printf("✅ Created task %s\n", task.ID)
			return nil
		},
	}

	command.Flags().StringVarP(&desc, "description", "d", "", "Task description")
	command.Flags().StringVarP(&epicID, "epic", "e", "", "Assign to epic")
	command.Flags().IntVarP(&priority, "priority", "p", 0, "Task priority (higher = more urgent)")
	command.Flags().StringSliceVar(&labels, "label", nil, "Labels for the task")
	command.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Task IDs this depends on")
	command.Flags().Float64Var(&estimate, "estimated-cost", 0, "Estimated cost (ties broken cheapest first)")

	return command
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, be, err := requireProject()
			if err != nil {
				return err
			}
			defer be.CloseDB()

			counts, err := be.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println("📋 Backlog:")
			for _, status := range []types.TaskStatus{
				types.TaskStatusOpen, types.TaskStatusInProgress,
				types.TaskStatusClosed, types.TaskStatusFailed,
			} {
				fmt.Printf("   %-12s %d\n", status, counts[status])
			}

			store, err := ledger.Open(ledgerDir(projectDir), "cli")
			if err != nil {
				return err
			}
			rows, err := store.Query(ledger.Filter{})
			if err != nil {
				return err
			}
			var tokens int64
			var cost float64
			succeeded := 0
			for _, row := range rows {
				tokens += row.Tokens
				cost += row.CostUnits
				if row.Success {
					succeeded++
				}
			}
			fmt.Printf("\n🧾 Ledger: %d finalized (%d succeeded), %d tokens, %.2f cost units\n",
				len(rows), succeeded, tokens, cost)

			if rec := readSession(projectDir); rec != nil {
				age := time.Since(time.UnixMilli(rec.HeartbeatAt)).Round(time.Second)
				fmt.Printf("\n🔒 Active session %s (pid %d, heartbeat %s ago)\n",
					rec.SessionID, rec.PID, age)
			}

			return nil
		},
	}
}

// readSession loads the session lock record if one exists
func readSession(projectDir string) *session.Record {
	data, err := os.ReadFile(filepath.Join(dataDir(projectDir), session.LockFileName))
	if err != nil {
		return nil
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

func ledgerCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the execution ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	command.AddCommand(ledgerShowCmd(), ledgerStatsCmd(), ledgerRebuildCmd())
	return command
}

func ledgerShowCmd() *cobra.Command {
	var showTranscript int

	command := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the full ledger entry for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := findProjectDir()
			if err != nil {
				return err
			}
			store, err := ledger.Open(ledgerDir(projectDir), "cli")
			if err != nil {
				return err
			}

			entry, err := store.Get(args[0])
			if err != nil {
				return err
			}

			if showTranscript > 0 {
				if showTranscript > len(entry.Attempts) {
					return fmt.Errorf("task %s has %d attempts", entry.TaskID, len(entry.Attempts))
				}
				ref := entry.Attempts[showTranscript-1].TranscriptRef
				if ref == "" {
					return fmt.Errorf("attempt %d has no transcript", showTranscript)
				}
				transcript, err := store.ReadTranscript(entry.TaskID, ref)
				if err != nil {
					return err
				}
				fmt.Print(transcript)
				return nil
			}

			data, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	command.Flags().IntVar(&showTranscript, "transcript", 0, "Print the transcript of attempt N instead of the entry")
	return command
}

func ledgerStatsCmd() *cobra.Command {
	var epicID string

	command := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics over finalized entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := findProjectDir()
			if err != nil {
				return err
			}
			store, err := ledger.Open(ledgerDir(projectDir), "cli")
			if err != nil {
				return err
			}

			rows, err := store.Query(ledger.Filter{EpicID: epicID})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No finalized entries yet")
				return nil
			}

			var tokens, attempts int64
			var cost float64
			succeeded := 0
			for _, row := range rows {
				tokens += row.Tokens
				cost += row.CostUnits
				attempts += int64(row.Attempts)
				if row.Success {
					succeeded++
				}
			}

			fmt.Printf("📊 %d finalized tasks\n", len(rows))
			fmt.Printf("   Success rate:    %d/%d (%.0f%%)\n",
				succeeded, len(rows), float64(succeeded)/float64(len(rows))*100)
			fmt.Printf("   Attempts/task:   %.1f\n", float64(attempts)/float64(len(rows)))
			fmt.Printf("   Total tokens:    %d\n", tokens)
			fmt.Printf("   Total cost:      %.2f units\n", cost)
			return nil
		},
	}

	command.Flags().StringVar(&epicID, "epic", "", "Filter to a specific epic")
	return command
}

func ledgerRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the ledger index by scanning every entry",
		Long: `Rebuild the ledger index by scanning every entry.

The index is derived data; this recovers it after corruption or a torn
write. Entries themselves are never touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := findProjectDir()
			if err != nil {
				return err
			}
			store, err := ledger.Open(ledgerDir(projectDir), "cli")
			if err != nil {
				return err
			}

			_, span := telemetry.StartTaskSpan(cmd.Context(), telemetry.SpanLedgerRebuild)
			defer span.End()

			n, err := store.RebuildIndex()
			if err != nil {
				return err
			}
			fmt.Printf("🔧 Rebuilt index with %d rows\n", n)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fold hook-observed interactive sessions into the ledger",
		Long: `Fold hook-observed interactive sessions into the ledger.

Each session becomes one attempt on its task, with touched files and
commands recorded. Safe to run repeatedly; already-merged sessions are
skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, be, err := requireProject()
			if err != nil {
				return err
			}
			defer be.CloseDB()

			store, err := ledger.Open(ledgerDir(projectDir), "reconcile")
			if err != nil {
				return err
			}

			report, err := reconcile.Run(cmd.Context(), dataDir(projectDir), store, be)
			if err != nil {
				return err
			}

			fmt.Printf("🔄 %d sessions: %d applied, %d skipped, %d orphaned, %d conflicted, %d finalized\n",
				report.Sessions, report.Applied, report.Skipped,
				report.Orphans, report.Conflicts, report.Finalized)
			return nil
		},
	}
}

func hookCmd() *cobra.Command {
	var (
		sessionID string
		seq       int
		taskID    string
		path      string
		cmdLine   string
		success   bool
		summary   string
	)

	command := &cobra.Command{
		Use:   "hook <kind>",
		Short: "Emit one observed fact from an interactive session",
		Long: `Emit one observed fact from an interactive session.

Wire this into your agent's hooks. Kinds: session_start, file_touched,
command_run, session_end. session_start prints a session id; pass it back
with --session (and an increasing --seq) on subsequent facts so replays
stay idempotent.

Silently does nothing when the orchestrator owns the session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hooks.Suppressed() {
				return nil
			}

			kind := hooks.FactKind(args[0])
			switch kind {
			case hooks.FactSessionStart, hooks.FactFileTouched, hooks.FactCommandRun, hooks.FactSessionEnd:
			default:
				return fmt.Errorf("unknown fact kind %q", args[0])
			}

			projectDir, err := findProjectDir()
			if err != nil {
				return err
			}

			var obs *hooks.Observer
			if sessionID == "" {
				if kind != hooks.FactSessionStart {
					return fmt.Errorf("--session is required for %s facts", kind)
				}
				if obs, err = hooks.NewObserver(dataDir(projectDir), taskID); err != nil {
					return err
				}
			} else {
				obs = hooks.ResumeObserver(dataDir(projectDir), sessionID, taskID, seq)
			}

			err = obs.Emit(kind, func(f *hooks.Fact) {
				f.Path = path
				f.Command = cmdLine
				f.Success = success
				f.Summary = summary
			})
			if err != nil {
				return err
			}

			if kind == hooks.FactSessionStart {
				fmt.Println(obs.SessionID())
			}
			return nil
		},
	}

	command.Flags().StringVar(&sessionID, "session", "", "Session id (from session_start)")
	command.Flags().IntVar(&seq, "seq", 0, "Per-session sequence number")
	command.Flags().StringVar(&taskID, "task", "", "Task the session is working on")
	command.Flags().StringVar(&path, "path", "", "File path (file_touched)")
	command.Flags().StringVar(&cmdLine, "command", "", "Command line (command_run)")
	command.Flags().BoolVar(&success, "success", false, "Whether the session succeeded (session_end)")
	command.Flags().StringVar(&summary, "summary", "", "Short outcome summary (session_end)")

	return command
}
