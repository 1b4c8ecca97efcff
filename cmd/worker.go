package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/stocksync/internal/database"
	"example.com/backstage/services/stocksync/internal/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the DLQ retry worker",
	Long:  `Start the background worker that resends failed publications with backoff and purges old DLQ entries`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if !cfg.DLQ.Enabled {
		return errors.New("DLQ is disabled, nothing for the worker to do")
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cl := &closer{}
	defer cl.Close()

	m := metrics.NewMetrics()

	// the bolt store keeps working while postgres is unreachable
	var db *database.Database
	if cfg.DLQ.Store == "postgres" {
		var err error
		if db, err = initDatabase(cfg, cl); err != nil {
			return err
		}
	}

	broker, err := initBroker(ctx, cfg, cl)
	if err != nil {
		return err
	}

	store, err := initDLQStore(cfg, db, cl)
	if err != nil {
		return err
	}

	scheduler := newScheduler(cfg, store, broker, m)

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("store", cfg.DLQ.Store).Str("broker", cfg.Broker.Kind).Msg("Running DLQ worker")
		return scheduler.Start(ctx)
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
