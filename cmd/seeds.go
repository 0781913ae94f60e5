package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalhouse/ingest/internal/seeds"
)

// newSeedsCmd lists the loaded seed configuration.
func newSeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seeds",
		Short: "List loaded industries, sources, and seed counts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := appFrom(cmd)

			catalog, err := seeds.Load(app.Config.Seeds.Dir, app.Logger)
			if err != nil {
				return fmt.Errorf("load seed configuration: %w", err)
			}

			for _, ind := range catalog.AllIndustries() {
				state := "disabled"
				if ind.Enabled {
					state = "enabled"
				}
				seedCount := len(catalog.SeedsByIndustry(ind.ID))
				sources := catalog.SourcesByIndustry(ind.ID)
				cmd.Printf("%s (%s, %s): %d sources, %d seeds\n", ind.ID, ind.Name, state, len(sources), seedCount)
				for _, src := range sources {
					cmd.Printf("  %s [%s] %s\n", src.ID, src.Type, src.BaseURL)
				}
			}
			return nil
		},
	}
}
