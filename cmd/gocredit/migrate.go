package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gocredit/internal/config"
	"github.com/mihaimyh/gocredit/storage/postgres"
	"github.com/mihaimyh/gocredit/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending storage schema migrations",
	Long: `Apply the embedded schema migrations to the configured SQL storage.
Only the sqlite and postgres drivers keep a schema.

Examples:
  gocredit migrate --config gocredit.yaml
  GOCREDIT_STORAGE_DRIVER=postgres GOCREDIT_POSTGRES_DSN=postgres://... gocredit migrate`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

type migrator interface {
	Migrate() error
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	switch cfg.Storage.Driver {
	case config.DriverSQLite, config.DriverPostgres:
	default:
		return fmt.Errorf("storage driver %q has no schema to migrate", cfg.Storage.Driver)
	}

	storage, closeStorage, err := openStorage(cmd.Context(), cfg.Storage, false)
	if err != nil {
		return err
	}
	defer closeStorage()

	var m migrator
	switch s := storage.(type) {
	case *sqlite.Storage:
		m = s
	case *postgres.Storage:
		m = s
	}
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s\n", describeStorage(cfg.Storage))
	return nil
}
