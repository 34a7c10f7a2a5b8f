// init.go implements the "autopilot init" command.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/autopilot/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .autopilot/config.yaml",
	Long: `Create the .autopilot/ directory in the project with a default
configuration file and add it to .gitignore.`,
	RunE: runInit,
}

var forceFlag bool

func init() {
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing configuration without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := projectRoot()
	if err != nil {
		return err
	}

	cfgPath := filepath.Join(config.Dir(dir), "config.yaml")
	if _, statErr := os.Stat(cfgPath); statErr == nil && !forceFlag {
		fmt.Println("Warning: .autopilot/config.yaml already exists.")
		fmt.Print("Overwrite? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := config.WriteConfig(dir, config.DefaultConfig()); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := ensureGitignore(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to set up .gitignore: %v\n", err)
	}

	fmt.Println("Configuration written to .autopilot/config.yaml")
	fmt.Println("Ready to run: autopilot run \"your task description\"")
	return nil
}

// ensureGitignore appends .autopilot/ to the project's .gitignore unless an
// entry for it is already present.
func ensureGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case ".autopilot", ".autopilot/":
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = fmt.Fprintf(f, "%s.autopilot/\n", prefix)
	return err
}
