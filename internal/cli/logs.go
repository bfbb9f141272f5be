package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/attemptengine/attemptd/internal/model"
)

func init() {
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs <execution-process-id>",
	Short: "Print the persisted stdout/stderr log for an execution process",
	Args:  cobra.ExactArgs(1),
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

		records, err := database.ReadExecutionProcessLogs(args[0])
		if err != nil {
			return fmt.Errorf("reading logs: %w", err)
		}
		return printLogs(os.Stdout, records)
	},
}

func printLogs(w io.Writer, records []model.LogRecord) error {
	for _, rec := range records {
		if len(rec.Stdout) > 0 {
			if _, err := w.Write(rec.Stdout); err != nil {
				return err
			}
		}
		if len(rec.Stderr) > 0 {
			if _, err := fmt.Fprintf(w, "[stderr] "); err != nil {
				return err
			}
			if _, err := w.Write(rec.Stderr); err != nil {
				return err
			}
		}
		if rec.Finished {
			fmt.Fprintln(w, "--- process finished ---")
		}
	}
	return nil
}
