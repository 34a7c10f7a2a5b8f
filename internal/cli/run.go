// run.go implements the "autopilot run" command which drives the agent
// through iterations until the task is complete or the budget runs out.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/autopilot/internal/analyze"
	"github.com/berth-dev/autopilot/internal/autopilot"
	"github.com/berth-dev/autopilot/internal/config"
	"github.com/berth-dev/autopilot/internal/executor"
	"github.com/berth-dev/autopilot/internal/git"
	"github.com/berth-dev/autopilot/internal/history"
	"github.com/berth-dev/autopilot/internal/log"
	"github.com/berth-dev/autopilot/internal/ui"
	"github.com/berth-dev/autopilot/prompts"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task until the agent completes it",
	Long: `Invoke the agent on the task, analyze each result and continue with a
follow-up prompt until the task is judged complete or the iteration budget
is used up. Flags override values from .autopilot/config.yaml.

Exit status is 0 when the task completed, 2 when the budget ran out and 1
on failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	modelFlag        string
	maxIterFlag      int
	timeoutFlag      time.Duration
	thresholdFlag    float64
	dualAgentFlag    bool
	resumeFlag       string
	reuseSessionFlag bool
	skipPermsFlag    bool
	noHistoryFlag    bool
)

func init() {
	runCmd.Flags().StringVar(&modelFlag, "model", "", "Model passed to the agent")
	runCmd.Flags().IntVar(&maxIterFlag, "max-iterations", 0, "Iteration budget")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Timeout per iteration (e.g. 10m)")
	runCmd.Flags().Float64Var(&thresholdFlag, "threshold", 0, "Confidence needed to accept completion (0-1)")
	runCmd.Flags().BoolVar(&dualAgentFlag, "dual-agent", false, "Have a reviewer agent verify completion")
	runCmd.Flags().StringVar(&resumeFlag, "resume", "", "Continue an existing session id")
	runCmd.Flags().BoolVar(&reuseSessionFlag, "reuse-session", false, "Resume the agent's own session between iterations")
	runCmd.Flags().BoolVar(&skipPermsFlag, "skip-permissions", false, "Pass --dangerously-skip-permissions to the agent")
	runCmd.Flags().BoolVar(&noHistoryFlag, "no-history", false, "Do not record this run in the history database")
}

func runRun(cmd *cobra.Command, args []string) error {
	task := args[0]

	root, cfg, err := loadProject()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	// Reclaim old completed sessions before starting.
	if cfg.Cleanup.MaxAgeDays > 0 {
		pruned, pruneErr := store.CleanupOldSessions(root, cfg.Cleanup.MaxAgeDays, false)
		if pruneErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: session cleanup failed: %v\n", pruneErr)
		} else if len(pruned) > 0 {
			fmt.Fprintf(os.Stderr, "Cleaned up %d old session(s)\n", len(pruned))
		}
	}

	claude := executor.New(cfg.Executor)
	if !claude.IsAvailable() {
		return fmt.Errorf("%s not found in PATH", cfg.Executor.Command)
	}

	engine := autopilot.NewEngine(claude, store, analyze.New(cfg.Analyzer))
	if cfg.Autopilot.EnableDualAgent {
		engine.SetReviewer(executor.New(cfg.Executor))
	}

	display := ui.NewProgressDisplay(task, cfg.Autopilot.Verbose)
	if cfg.Autopilot.Verbose {
		claude.OnMessage(display.StreamMessage)
	}

	var wg sync.WaitGroup
	var unsubscribe []func()
	consume := func(fn func(<-chan autopilot.Event)) {
		events, cancel := engine.Subscribe(64)
		unsubscribe = append(unsubscribe, cancel)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(events)
		}()
	}

	consume(display.Consume)

	if logger, logErr := openEventLog(root); logErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: event log disabled: %v\n", logErr)
	} else {
		consume(func(events <-chan autopilot.Event) { logger.Consume(events, os.Stderr) })
	}

	if cfg.History.Enabled {
		hist, histErr := history.NewStore(historyPath(root))
		if histErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: run history disabled: %v\n", histErr)
		} else {
			defer hist.Close()
			recorder := history.NewRecorder(hist, os.Stderr)
			consume(recorder.Consume)
		}
	}

	opts := autopilot.Options{
		ProjectPath:           root,
		Model:                 cfg.Model,
		MaxIterations:         cfg.Autopilot.MaxIterations,
		Timeout:               cfg.Autopilot.Timeout(),
		Verbose:               cfg.Autopilot.Verbose,
		ContinuationThreshold: cfg.Autopilot.ContinuationThreshold,
		EnableDualAgent:       cfg.Autopilot.EnableDualAgent,
		ReuseAgentSession:     cfg.Autopilot.ReuseAgentSession,
		ResumeSessionID:       resumeFlag,
		SystemPrompt:          prompts.SystemPrompt,
	}
	if branch, branchErr := git.CurrentBranch(root); branchErr == nil {
		opts.GitBranch = branch
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := engine.Run(ctx, task, opts)

	for _, cancel := range unsubscribe {
		cancel()
	}
	wg.Wait()
	display.Finish(summary)

	if files, gitErr := git.ChangedFiles(root); gitErr == nil && len(files) > 0 {
		fmt.Printf("%d file(s) changed in the working tree\n", len(files))
	}

	return runErr
}

// openEventLog opens .autopilot/log.jsonl in the project root.
func openEventLog(root string) (*log.Logger, error) {
	return log.NewLogger(root)
}

// historyPath is .autopilot/history.db in the project root.
func historyPath(root string) string {
	return history.DBPath(config.Dir(root))
}

// applyRunFlags overrides configuration values with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = modelFlag
	}
	if flags.Changed("max-iterations") {
		cfg.Autopilot.MaxIterations = maxIterFlag
	}
	if flags.Changed("timeout") {
		cfg.Autopilot.TimeoutPerIteration = int(timeoutFlag / time.Second)
	}
	if flags.Changed("threshold") {
		cfg.Autopilot.ContinuationThreshold = thresholdFlag
	}
	if flags.Changed("dual-agent") {
		cfg.Autopilot.EnableDualAgent = dualAgentFlag
	}
	if flags.Changed("reuse-session") {
		cfg.Autopilot.ReuseAgentSession = reuseSessionFlag
	}
	if flags.Changed("skip-permissions") {
		cfg.Executor.SkipPermissions = skipPermsFlag
	}
	if noHistoryFlag {
		cfg.History.Enabled = false
	}
	if verbose {
		cfg.Autopilot.Verbose = true
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var exhausted *autopilot.BudgetExhaustedError
	if errors.As(err, &exhausted) {
		return 2
	}
	return 1
}
