package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/model"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show task and execution-process status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		var projectID string
		if len(args) == 1 {
			projectID = args[0]
		}
		return renderStatus(os.Stdout, database, projectID)
	},
}

func renderStatus(w io.Writer, database *db.DB, projectID string) error {
	projects, err := database.ListProjects()
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}

	for _, p := range projects {
		if projectID != "" && p.ID != projectID {
			continue
		}
		fmt.Fprintf(w, "%s  (%s)\n", p.Name, p.ID)

		tasks, err := database.ListTasksForProject(p.ID)
		if err != nil {
			return fmt.Errorf("listing tasks for project %s: %w", p.ID, err)
		}
		for _, t := range tasks {
			fmt.Fprintf(w, "  %s  %-20s  %s\n", taskSymbol(t.Status), t.Status, t.Title)

			attempts, err := database.ListTaskAttemptsForTask(t.ID)
			if err != nil {
				return fmt.Errorf("listing attempts for task %s: %w", t.ID, err)
			}
			for _, a := range attempts {
				procs, err := database.ListExecutionProcessesForAttempt(a.ID)
				if err != nil {
					return fmt.Errorf("listing processes for attempt %s: %w", a.ID, err)
				}
				fmt.Fprintf(w, "      attempt %s  branch %s  %d process(es)\n", a.ID, a.Branch, len(procs))
				for _, proc := range procs {
					fmt.Fprintf(w, "        %s  %-12s  %s\n", processSymbol(proc.Status), proc.Status, proc.RunReason)
				}
			}
		}
	}
	return nil
}

func taskSymbol(status model.TaskStatus) string {
	switch status {
	case model.TaskDone:
		return "✓"
	case model.TaskInProgress:
		return "⟳"
	case model.TaskInReview:
		return "◎"
	case model.TaskCancelled:
		return "⊘"
	default:
		return "◯"
	}
}

func processSymbol(status model.ExecutionStatus) string {
	switch status {
	case model.ExecCompleted:
		return "✓"
	case model.ExecRunning:
		return "⟳"
	case model.ExecFailed:
		return "✗"
	case model.ExecKilled:
		return "⊘"
	default:
		return "◯"
	}
}
