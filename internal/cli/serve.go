package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/attemptengine/attemptd/internal/command"
	"github.com/attemptengine/attemptd/internal/config"
	"github.com/attemptengine/attemptd/internal/container"
	"github.com/attemptengine/attemptd/internal/db"
	"github.com/attemptengine/attemptd/internal/events"
	"github.com/attemptengine/attemptd/internal/httpapi"
	"github.com/attemptengine/attemptd/internal/model"
	"github.com/attemptengine/attemptd/internal/monitor"
	"github.com/attemptengine/attemptd/internal/profiles"
	"github.com/attemptengine/attemptd/internal/supervisor"
	"github.com/attemptengine/attemptd/internal/worktree"
)

const shutdownGrace = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attemptd daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		eventSvc := events.NewService()
		database, err := db.Open(cfg.DBPath, eventSvc.Dispatch)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()
		eventSvc.AttachDB(database)

		catalog, err := profiles.Load(cfg.ProfilesPath)
		if err != nil {
			return fmt.Errorf("loading executor profiles: %w", err)
		}

		sup := supervisor.New(database, runnerFor(cfg), catalog)
		containerSvc := container.NewService(worktree.NewManager())
		mon := monitor.New(database, sup, containerSvc)
		mon.Notifier = notifierFor(cfg)
		mon.Interval = cfg.PollInterval.Duration()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go mon.Run(ctx)

		srv := &http.Server{Addr: cfg.BindAddr, Handler: httpapi.NewServer(eventSvc, database, sup).Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "http server error: %s\n", err)
			}
		}()

		fmt.Printf("attemptd listening on %s (db: %s)\n", cfg.BindAddr, cfg.DBPath)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nreceived %s, shutting down...\n", sig)

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// runnerFor prefers an explicit remote_runner config over the
// CLOUD_EXECUTION/ENVIRONMENT environment switch (spec §6).
func runnerFor(cfg *config.Config) command.Runner {
	if cfg.RemoteRunner != nil && cfg.RemoteRunner.BaseURL != "" {
		return command.NewRemoteRunner(cfg.RemoteRunner.BaseURL)
	}
	return command.NewFromEnv()
}

// notifierFor wires the optional sound notification the monitor fires on
// agent completion (spec §4.7); push delivery is an external collaborator
// (spec §1) and out of scope here.
func notifierFor(cfg *config.Config) monitor.Notifier {
	if cfg.Notifications.Sound {
		return bellNotifier{}
	}
	return monitor.NoopNotifier{}
}

type bellNotifier struct{}

func (bellNotifier) NotifyAgentComplete(attempt *model.TaskAttempt, success bool) {
	fmt.Fprint(os.Stdout, "\a")
}
