package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kbchat/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Println("Migrations applied")
		return nil
	},
}
