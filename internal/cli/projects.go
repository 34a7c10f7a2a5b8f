// projects.go implements the "autopilot projects" command listing every
// project with recorded sessions.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects that have sessions in the store",
	Args:  cobra.NoArgs,
	RunE:  runProjects,
}

func runProjects(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadProject()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	projects, err := store.ListAllProjects()
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	for _, p := range projects {
		last := "never"
		if !p.LastActivity.IsZero() {
			last = p.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Printf("  %3d  %s  %s\n", p.SessionCount, last, p.ProjectPath)
	}
	return nil
}
