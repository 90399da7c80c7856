package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanfetch/internal/storage/postgres"
)

var runMigrations = postgres.Migrate

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required to migrate")
			}
			applied, err := runMigrations(cmd.Context(), rt.cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.logger.Info("migrations applied", zap.Int64s("versions", applied))
			return nil
		},
	}
}
