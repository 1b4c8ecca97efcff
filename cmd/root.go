package cmd

import (
	"os"
	"strings"

	"example.com/backstage/services/stocksync/config"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stocksync",
	Short: "Event-driven stock synchronisation between stores and the central aggregate",
	Long: `Stocksync keeps per-store reservations consistent under concurrent writes,
publishes every stock change as an event, and folds those events into a
central per-product aggregate.

Commands:
- api       serve the stock, aggregate and DLQ HTTP API
- worker    retry failed publications and clean up the DLQ
- consumer  apply stock events to the central aggregate
- dlq       inspect and operate the dead letter queue
- migrate   run database migrations`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Failed to load .env file")
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		setupLogging(cfg)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml or app.env")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides logging.level")
}

// setupLogging configures the global zerolog logger from config and flags
func setupLogging(cfg config.Config) {
	if cfg.Environment == "development" || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
