package cmd

import (
	"example.com/backstage/services/stocksync/internal/database"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Runs database migrations to ensure the database schema
is up-to-date. This is useful for CI/CD pipelines or initial setup.`,
	Args: cobra.NoArgs,
	RunE: runMigration,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// runMigration executes the database migrations
func runMigration(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Connecting to database...")
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("Running database migrations...")
	if err := db.Migrate(); err != nil {
		return err
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}
