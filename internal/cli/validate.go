package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/attemptengine/attemptd/internal/config"
)

var validateProjectPath string

func init() {
	validateCmd.Flags().StringVar(&validateProjectPath, "project", "", "Also validate a per-project YAML config at this path")
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the daemon config (and optionally a project config)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		errs := config.Validate(cfg)
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}

		if validateProjectPath != "" {
			proj, err := config.LoadProject(validateProjectPath)
			if err != nil {
				return fmt.Errorf("loading project config: %w", err)
			}
			projErrs := config.ValidateProject(proj)
			for _, e := range projErrs {
				fmt.Fprintf(os.Stderr, "Error: %s\n", e)
			}
			errs = append(errs, projErrs...)
		}

		if len(errs) > 0 {
			return fmt.Errorf("%d validation error(s)", len(errs))
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}
