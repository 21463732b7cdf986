package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cortex-telemetry/backend/internal/db/migrate"
)

func newMigrateCommand(load LoadFunc) *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply crash report store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := migrate.Run(cfg.DatabaseURL, direction); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "Migration direction: up or down")
	return cmd
}
