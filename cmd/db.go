package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/migrate"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database administration",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending SQL migrations in lexicographic order under an advisory lock.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := appPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := migrate.Run(ctx, pool); err != nil {
			return err
		}

		zap.L().Info("all migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
}

// appPool creates the application's Postgres pool from configuration.
func appPool(ctx context.Context) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DB)
}
