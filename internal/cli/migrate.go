package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/gatekeeper/internal/config"
	"github.com/triage-ai/gatekeeper/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tool allowlist schema in Postgres",
	Long:  "Applies the tool_permissions schema to the database named by POSTGRES_DSN. Safe to run repeatedly.",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}

	db, err := store.Open(cmd.Context(), cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := store.NewStore(db).Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Allowlist schema is up to date")
	return nil
}
