// Package cli defines Cobra command definitions for the autopilot CLI.
// This file contains the root command, version flag and shared helpers.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/berth-dev/autopilot/internal/config"
	"github.com/berth-dev/autopilot/internal/session"
)

var (
	verbose     bool
	projectFlag string
	version     = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Drive an AI coding agent until a task is done",
	Long: `Autopilot repeatedly invokes an AI coding agent on a task, analyzes
each result for signs of completion and feeds a continuation prompt back
until the task is done or the iteration budget runs out. Every exchange is
recorded in a per-project session log.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Stream agent output instead of the progress view")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "Project directory (default: current directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(projectsCmd)
}

// projectRoot resolves --project or the working directory to an absolute path.
func projectRoot() (string, error) {
	dir := projectFlag
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving project directory: %w", err)
	}
	return abs, nil
}

// loadProject returns the project root and its configuration.
func loadProject() (string, *config.Config, error) {
	root, err := projectRoot()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

// openStore opens the session store configured in cfg.
func openStore(cfg *config.Config) (*session.Store, error) {
	root := cfg.Store.Root
	if root == "" {
		def, err := session.DefaultRoot()
		if err != nil {
			return nil, err
		}
		root = def
	}
	store, err := session.NewStore(root)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	store.SetVersion(version)
	return store, nil
}
