package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/database/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending PostgreSQL migrations.

Migrations are also applied when the server starts; this command lets
deployments run them as a separate step.

Examples:
  # Apply pending migrations
  classroll migrate

  # List applied and pending migrations without changing anything
  classroll migrate --status`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "Only print applied and pending migrations")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	ctx := context.Background()

	pool, err := postgres.NewPool(&cfg.Database, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	if !mustGetBool(cmd, "status") {
		if err := pool.Migrate(ctx); err != nil {
			return err
		}
	}

	st, err := pool.Status(ctx)
	if err != nil {
		return err
	}
	for _, name := range st.Applied {
		fmt.Printf("  applied  %s\n", name)
	}
	for _, name := range st.Pending {
		fmt.Printf("  pending  %s\n", name)
	}
	fmt.Printf("%d applied, %d pending\n", len(st.Applied), len(st.Pending))
	return nil
}
