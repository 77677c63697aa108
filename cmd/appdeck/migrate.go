package main

import (
	"fmt"

	"appdeck/internal/store"

	"github.com/spf13/cobra"
)

var (
	migrateDown   bool
	migrateTarget int64
	migrateStatus bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending schema migrations without starting the server.

Use --down to roll back the latest migration, or --down --to N to roll back
to version N. 'appdeck serve' applies pending migrations on start as well.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("APPDECK_CONFIG_FILE", ""), "Path to appdeck.yaml configuration file")
	migrateCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("APPDECK_DB_PATH", ""), "Path to SQLite database")
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back instead of applying")
	migrateCmd.Flags().Int64Var(&migrateTarget, "to", 0, "Version to roll back to with --down")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Only print the current schema version")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	ctx := cmd.Context()

	st, err := store.OpenWithoutMigrate(cfg.Database.Path, store.Options{PortStart: cfg.Apps.PortStart})
	if err != nil {
		return err
	}
	defer st.Close()

	before, err := st.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if migrateStatus {
		fmt.Printf("%s schema version %d\n", cfg.Database.Path, before)
		return nil
	}

	if migrateDown {
		err = st.MigrateDown(ctx, migrateTarget)
	} else {
		err = st.Migrate(ctx)
	}
	if err != nil {
		return err
	}

	after, err := st.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if after == before {
		fmt.Printf("%s Schema already at version %d\n", green("✓"), after)
		return nil
	}
	fmt.Printf("%s Schema migrated from version %d to %d\n", green("✓"), before, after)
	return nil
}
