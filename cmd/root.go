// Package cmd wires the command-line interface for the ingestion service.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalhouse/ingest/internal/config"
	"github.com/signalhouse/ingest/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App holds the long-lived services shared by subcommands.
type App struct {
	Config config.Config
	Logger *zap.Logger
}

// Close flushes buffered log entries.
func (a *App) Close() {
	// Sync can fail on stderr; best effort only.
	_ = a.Logger.Sync()
}

func appFrom(cmd *cobra.Command) *App {
	app, _ := cmd.Context().Value(appKey).(*App)
	return app
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Seed-driven ingestion and normalization pipeline.",
		Long: `ingest resolves configured seed URLs, fetches them through
source-type-specific connectors under bounded concurrency, persists raw
results, and deterministically transforms them into structured,
quality-scored records.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			app := &App{Config: cfg, Logger: logger}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app := appFrom(cmd); app != nil {
				app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is env/defaults only)")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newNormalizeCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newSeedsCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
