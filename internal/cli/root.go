package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "attemptd",
	Short: "Run and observe task-attempt executions",
	Long: `attemptd is a daemon that runs a coding agent against an isolated Git
worktree per task attempt, chaining an optional setup script before the
agent and an optional cleanup script after it, and exposes the result as
live JSON-patch event streams.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "attemptd.yaml", "Path to daemon config file")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("attemptd %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
