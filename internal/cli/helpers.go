package cli

import (
	"fmt"
	"os"

	"github.com/attemptengine/attemptd/internal/config"
	"github.com/attemptengine/attemptd/internal/db"
)

// loadAndValidateConfig loads the daemon config at path and validates it,
// printing every error to stderr.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}
	return cfg, nil
}

// openDB opens the database at cfg's configured path without wiring an
// update hook, for read-only CLI commands (status, logs).
func openDB(cfg *config.Config) (*db.DB, error) {
	return db.Open(cfg.DBPath, nil)
}
