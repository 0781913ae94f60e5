package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalhouse/ingest/internal/state"
)

// newCleanupCmd purges task documents past the retention window. Raw and
// normalized data are never touched.
func newCleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove task records older than the retention window.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := appFrom(cmd)
			if days <= 0 {
				return fmt.Errorf("--days must be > 0")
			}

			store, err := state.New(app.Config.State.Dir, app.Logger)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}

			removed, err := store.CleanupOldTasks(cmd.Context(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			cmd.Printf("removed %d task records older than %d days\n", removed, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "retention window in days")
	return cmd
}
