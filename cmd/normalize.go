package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalhouse/ingest/internal/normalize"
	"github.com/signalhouse/ingest/internal/seeds"
	"github.com/signalhouse/ingest/internal/state"
)

// newNormalizeCmd transforms collected raw records into normalized records.
func newNormalizeCmd() *cobra.Command {
	var industryID string
	var sourceID string

	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize collected raw records.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := appFrom(cmd)

			catalog, err := seeds.Load(app.Config.Seeds.Dir, app.Logger)
			if err != nil {
				return fmt.Errorf("load seed configuration: %w", err)
			}
			store, err := state.New(app.Config.State.Dir, app.Logger)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}

			runner := normalize.NewRunner(catalog, store, app.Config.Ingestion.NormalizeConcurrent, app.Logger)
			count, err := runner.Run(cmd.Context(), industryID, sourceID)
			if err != nil {
				return fmt.Errorf("normalize: %w", err)
			}
			cmd.Printf("normalized %d records\n", count)
			return nil
		},
	}

	cmd.Flags().StringVar(&industryID, "industry", "", "restrict to one industry id")
	cmd.Flags().StringVar(&sourceID, "source", "", "restrict to one source id")
	return cmd
}
