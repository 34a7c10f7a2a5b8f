// sessions.go implements the "autopilot sessions" command group for
// inspecting and maintaining the session store.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/autopilot/internal/session"
	"github.com/berth-dev/autopilot/internal/tui"
	"github.com/berth-dev/autopilot/internal/ui"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain recorded sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsBrowseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse sessions interactively",
	Long: `Open a terminal browser over the project's sessions. Falls back to
the plain listing when stdout is not a terminal.`,
	Args: cobra.NoArgs,
	RunE: runSessionsBrowse,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the entries of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Write a portable JSON snapshot of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore a session from an export file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsImport,
}

var sessionsValidateCmd = &cobra.Command{
	Use:   "validate <session-id>",
	Short: "Check the parent chain of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsValidate,
}

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate counts for the project's sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsStats,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old completed sessions",
	Long: `Remove completed sessions older than the configured max_age_days
(default 30). Use --keep to keep only the N most recent completed sessions
instead. Sessions still waiting on the agent are never removed.`,
	Args: cobra.NoArgs,
	RunE: runSessionsCleanup,
}

var (
	outputFlag    string
	importProject string
	maxAgeFlag    int
	keepFlag      int
	dryRunFlag    bool
)

func init() {
	sessionsExportCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Write to file instead of stdout")
	sessionsImportCmd.Flags().StringVar(&importProject, "into", "", "Import into this project instead of the exported one")
	sessionsCleanupCmd.Flags().IntVar(&maxAgeFlag, "max-age", 0, "Age in days (default: cleanup.max_age_days)")
	sessionsCleanupCmd.Flags().IntVar(&keepFlag, "keep", 0, "Keep only the last N completed sessions (0 = use age-based cleanup)")
	sessionsCleanupCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsBrowseCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	sessionsCmd.AddCommand(sessionsImportCmd)
	sessionsCmd.AddCommand(sessionsValidateCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
}

// withStore resolves the project and opens the configured session store.
func withStore() (string, *session.Store, error) {
	root, cfg, err := loadProject()
	if err != nil {
		return "", nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return "", nil, err
	}
	return root, store, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	root, store, err := withStore()
	if err != nil {
		return err
	}
	list, err := store.ListSessions(root)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No sessions recorded for this project.")
		return nil
	}

	for _, m := range list {
		status := string(m.Status)
		fmt.Printf("  %s  %s  %3d msg  %s  %s\n",
			m.ID,
			ui.OutcomeStyle(status).Render(fmt.Sprintf("%-9s", status)),
			m.MessageCount,
			m.LastAccessed.Local().Format(time.DateTime),
			truncate(m.Summary, 40),
		)
	}
	return nil
}

func runSessionsBrowse(cmd *cobra.Command, args []string) error {
	if !tui.IsTTY() {
		return runSessionsList(cmd, args)
	}
	root, store, err := withStore()
	if err != nil {
		return err
	}
	return tui.Run(tui.NewBrowser(store, root))
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	root, store, err := withStore()
	if err != nil {
		return err
	}
	entries, err := store.LoadSession(root, args[0])
	if err != nil {
		return err
	}

	for _, e := range entries {
		header := string(e.Type)
		if e.Message != nil && e.Message.StopReason != "" {
			header += " (" + e.Message.StopReason + ")"
		}
		fmt.Printf("%s  %s\n", ui.HeaderStyle.Render(header), ui.DimStyle.Render(e.Timestamp.Local().Format(time.DateTime)))
		fmt.Println(e.Text())
		fmt.Println()
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	root, store, err := withStore()
	if err != nil {
		return err
	}
	if err := store.DeleteSession(root, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	root, store, err := withStore()
	if err != nil {
		return err
	}
	exp, err := store.ExportSession(root, args[0])
	if err != nil {
		return err
	}

	if outputFlag == "" {
		return session.WriteExport(os.Stdout, exp)
	}
	f, err := os.Create(outputFlag)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outputFlag, err)
	}
	if err := session.WriteExport(f, exp); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", outputFlag, err)
	}
	fmt.Fprintf(os.Stderr, "Exported session %s to %s\n", exp.SessionID, outputFlag)
	return nil
}

func runSessionsImport(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadProject()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	exp, err := session.ReadExport(f)
	if err != nil {
		return err
	}
	id, err := store.ImportSession(exp, importProject)
	if err != nil {
		return err
	}
	fmt.Printf("Imported session %s\n", id)
	return nil
}

func runSessionsValidate(cmd *cobra.Command, args []string) error {
	root, store, err := withStore()
	if err != nil {
		return err
	}
	res, err := store.ValidateSession(root, args[0])
	if err != nil {
		return err
	}
	if res.Valid {
		fmt.Printf("%s session %s is valid (%d messages)\n", ui.IconDone, args[0], res.MessageCount)
		return nil
	}
	for _, problem := range res.Errors {
		fmt.Printf("  %s %s\n", ui.IconFailed, problem)
	}
	return fmt.Errorf("session %s has %d problem(s)", args[0], len(res.Errors))
}

func runSessionsStats(cmd *cobra.Command, args []string) error {
	root, store, err := withStore()
	if err != nil {
		return err
	}
	st, err := store.GetSessionStats(root)
	if err != nil {
		return err
	}

	fmt.Println(ui.TitleStyle.Render("Sessions"))
	fmt.Printf("  Project:    %s\n", st.ProjectPath)
	fmt.Printf("  Sessions:   %d (%d active, %d completed)\n", st.SessionCount, st.ActiveCount, st.CompletedCount)
	fmt.Printf("  Messages:   %d\n", st.MessageCount)
	fmt.Printf("  Tokens:     %d in, %d out, %d cache\n", st.Tokens.Input, st.Tokens.Output, st.Tokens.CacheCreation+st.Tokens.CacheRead)
	if !st.Oldest.IsZero() {
		fmt.Printf("  Oldest:     %s\n", st.Oldest.Local().Format(time.DateTime))
		fmt.Printf("  Newest:     %s\n", st.Newest.Local().Format(time.DateTime))
	}
	return nil
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	root, cfg, err := loadProject()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	var pruned []string
	if keepFlag > 0 {
		pruned, err = store.KeepRecentSessions(root, keepFlag, dryRunFlag)
	} else {
		maxAge := maxAgeFlag
		if maxAge <= 0 {
			maxAge = cfg.Cleanup.MaxAgeDays
		}
		if maxAge <= 0 {
			maxAge = 30
		}
		pruned, err = store.CleanupOldSessions(root, maxAge, dryRunFlag)
	}
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	if len(pruned) == 0 {
		fmt.Println("No sessions to clean up.")
		return nil
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}
	for _, id := range pruned {
		fmt.Printf("  %s %s\n", verb, id)
	}
	fmt.Printf("%s %d session(s).\n", verb, len(pruned))
	return nil
}
