package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/liamcoop/bizrules/internal/db"
	"github.com/liamcoop/bizrules/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(mg *db.Migrator, _ []string) error {
			if err := mg.Up(); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		}),
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(mg *db.Migrator, _ []string) error {
			if err := mg.Down(); err != nil {
				return err
			}
			logger.Info("migrations rolled back")
			return nil
		}),
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(mg *db.Migrator, _ []string) error {
			version, dirty, err := mg.Version()
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			fmt.Printf("version %d (dirty: %v)\n", version, dirty)
			return nil
		}),
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(mg *db.Migrator, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number: %w", err)
			}
			if err := mg.Force(version); err != nil {
				return fmt.Errorf("failed to force version: %w", err)
			}
			logger.Info("schema version forced", "version", version)
			return nil
		}),
	})
}

func withMigrator(fn func(*db.Migrator, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("--db-url or BIZRULES_DATABASE_URL required")
		}

		database, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		mg, err := db.NewMigrator(database)
		if err != nil {
			return err
		}
		return fn(mg, args)
	}
}
