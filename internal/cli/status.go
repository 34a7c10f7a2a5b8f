// status.go implements the "autopilot status" command showing recent runs.
package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/autopilot/internal/git"
	"github.com/berth-dev/autopilot/internal/history"
	"github.com/berth-dev/autopilot/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current and recent runs",
	Long: `Display runs recorded in the project's history database, newest
first, with the iterations of the most recent one.`,
	RunE: runStatus,
}

var limitFlag int

func init() {
	statusCmd.Flags().IntVar(&limitFlag, "limit", 5, "Number of runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	dbPath := historyPath(root)
	if _, statErr := os.Stat(dbPath); errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("no runs found; start one with: autopilot run \"task\"")
	}

	hist, err := history.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	runs, err := hist.RecentRuns(root, limitFlag)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		return fmt.Errorf("no runs found; start one with: autopilot run \"task\"")
	}

	fmt.Println(ui.TitleStyle.Render("Autopilot Status"))
	if branch, branchErr := git.CurrentBranch(root); branchErr == nil && branch != "" {
		fmt.Printf("Branch: %s\n", branch)
	}
	fmt.Println()

	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Printf("  %-10s  %s  %2d iter  %s  %s\n",
			shortID(r.SessionID),
			ui.OutcomeStyle(outcome).Render(fmt.Sprintf("%-16s", outcome)),
			r.Iterations,
			r.StartedAt.Local().Format(time.DateTime),
			truncate(r.Task, 50),
		)
	}

	latest := runs[0]
	its, err := hist.Iterations(latest.ID)
	if err != nil {
		return fmt.Errorf("listing iterations: %w", err)
	}
	if len(its) > 0 {
		fmt.Println()
		fmt.Printf("Latest run (session %s):\n", latest.SessionID)
		for _, it := range its {
			mark := ui.IconRetry
			switch {
			case it.IsComplete:
				mark = ui.IconDone
			case it.HasError || it.TimedOut:
				mark = ui.IconFailed
			}
			fmt.Printf("  %s #%-2d conf %.2f  quality %.2f  %s\n",
				mark, it.Number, it.Confidence, it.QualityScore, it.Reason)
		}
		if latest.Error != "" {
			fmt.Printf("  %s\n", ui.ErrorStyle.Render(latest.Error))
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
