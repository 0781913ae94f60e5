package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalhouse/ingest/internal/clock/system"
	"github.com/signalhouse/ingest/internal/connectors"
	githubconn "github.com/signalhouse/ingest/internal/connectors/github"
	"github.com/signalhouse/ingest/internal/connectors/web"
	"github.com/signalhouse/ingest/internal/engine"
	"github.com/signalhouse/ingest/internal/id/uuid"
	"github.com/signalhouse/ingest/internal/pipeline"
	"github.com/signalhouse/ingest/internal/seeds"
	"github.com/signalhouse/ingest/internal/state"
)

// newIngestCmd runs one ingestion pass over the configured seeds.
func newIngestCmd() *cobra.Command {
	var industryID string
	var sourceID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve seeds and run one ingestion pass.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := appFrom(cmd)
			logger := app.Logger

			catalog, err := seeds.Load(app.Config.Seeds.Dir, logger)
			if err != nil {
				return fmt.Errorf("load seed configuration: %w", err)
			}
			store, err := state.New(app.Config.State.Dir, logger)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}

			factory, err := buildConnectors(app)
			if err != nil {
				return err
			}
			defer func() {
				if err := factory.Close(); err != nil {
					logger.Warn("closing connectors", zap.Error(err))
				}
			}()

			eng := engine.New(
				catalog,
				store,
				factory,
				system.New(),
				uuid.New(),
				engine.Config{
					MaxConcurrent: app.Config.Ingestion.MaxConcurrent,
					FetchTimeout:  app.Config.Ingestion.FetchTimeout,
					MaxAttempts:   app.Config.Ingestion.MaxAttempts,
				},
				logger,
			)

			stats, err := eng.StartIngestion(cmd.Context(), industryID, sourceID)
			if err != nil {
				return fmt.Errorf("ingestion: %w", err)
			}

			cmd.Printf("tasks: %d  completed: %d  failed: %d  retried: %d  raw records: %d\n",
				stats.TotalTasks, stats.Completed, stats.Failed, stats.Retried, stats.RawRecords)
			for id, ind := range stats.Industries {
				cmd.Printf("  %s: completed=%d failed=%d raw=%d\n", id, ind.Completed, ind.Failed, ind.RawRecords)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&industryID, "industry", "", "restrict the run to one industry id")
	cmd.Flags().StringVar(&sourceID, "source", "", "restrict the run to one source id")
	return cmd
}

func buildConnectors(app *App) (*connectors.Factory, error) {
	factory := connectors.NewFactory()

	webConn, err := web.New(web.Config{
		UserAgent:      app.Config.Web.UserAgent,
		RequestTimeout: app.Config.Web.RequestTimeout,
		Concurrency:    app.Config.Ingestion.MaxConcurrent,
	}, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("build web connector: %w", err)
	}
	if err := factory.Register(pipeline.SourceTypeWeb, webConn); err != nil {
		return nil, fmt.Errorf("register web connector: %w", err)
	}

	ghConn := githubconn.New(app.Config.GitHub.Token, app.Logger)
	if err := factory.Register(pipeline.SourceTypeGitHub, ghConn); err != nil {
		return nil, fmt.Errorf("register github connector: %w", err)
	}

	return factory, nil
}
