package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/liamcoop/datadictionary/internal/logger"
	"github.com/liamcoop/datadictionary/migrations"
	"github.com/spf13/cobra"
)

var databaseURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the metadata dictionary schema",
		Long: `Applies the embedded metadata_entries migrations to a Postgres database.

The database URL is read from --database or the DATABASE_URL environment variable.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "Database URL (defaults to $DATABASE_URL)")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			logger.Info("running migrations up")
			err := m.Up()
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("no migrations to run, database is up to date")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.Info("migrations completed")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			logger.Info("rolling back migrations")
			if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to roll back migrations: %w", err)
			}
			logger.Info("rollback completed")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[0], err)
		}
		return withMigrator(func(m *migrate.Migrate) error {
			if err := m.Force(version); err != nil {
				return fmt.Errorf("failed to force version: %w", err)
			}
			logger.Info("forced schema version", "version", version)
			return nil
		})
	},
}

func withMigrator(fn func(*migrate.Migrate) error) error {
	url := databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return errors.New("database URL is required, use --database or DATABASE_URL")
	}

	m, err := migrations.New(url)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}
