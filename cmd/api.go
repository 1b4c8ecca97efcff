package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/stocksync/internal/api"
	"example.com/backstage/services/stocksync/internal/api/handlers"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/publisher"
	"example.com/backstage/services/stocksync/internal/repositories"
	"example.com/backstage/services/stocksync/internal/services"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API serving stock operations, central aggregates and DLQ administration`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cl := &closer{}
	defer cl.Close()

	m := metrics.NewMetrics()
	tracer := initTracer(cfg, cl)

	db, err := initDatabase(cfg, cl)
	if err != nil {
		return err
	}

	broker, err := initBroker(ctx, cfg, cl)
	if err != nil {
		return err
	}

	store, err := initDLQStore(cfg, db, cl)
	if err != nil {
		return err
	}

	pub := publisher.New(broker, store, newBackoff(cfg), publisher.Config{
		Topic:       cfg.Topic(),
		MaxAttempts: cfg.Publisher.MaxAttempts,
		RetryDelay:  cfg.Publisher.RetryDelay,
		SendTimeout: cfg.Publisher.SendTimeout,
		Workers:     cfg.Publisher.Workers,
		QueueSize:   cfg.Publisher.QueueSize,
		DLQEnabled:  cfg.DLQ.Enabled,
		MaxRetries:  cfg.DLQ.MaxRetries,
	}, m)
	// closed before the broker so pending async publishes drain
	cl.add(pub.Close)

	stockService := services.NewStockService(
		repositories.NewStockRepository(db.Primary, db.ReadOnly), pub, tracer, m)
	aggregator, elasticClient, redisCache := initAggregator(cfg, db, m, cl)

	deps := api.Dependencies{
		Stock:      stockService,
		Aggregates: aggregator,
		Metrics:    m,
		Tracer:     tracer,
		HealthChecks: map[string]handlers.HealthCheck{
			metrics.HealthDatabase: db.Ping,
		},
	}
	if elasticClient != nil {
		deps.Events = elasticClient
		deps.HealthChecks[metrics.HealthElastic] = elasticClient.Ping
	}
	if redisCache.Enabled() {
		deps.HealthChecks[metrics.HealthRedis] = redisCache.Ping
	}
	if store != nil {
		scheduler := newScheduler(cfg, store, broker, m)
		deps.DLQ = scheduler

		// a bolt file is locked by one process, so the API runs the retries itself
		if cfg.DLQ.Store == "bolt" {
			go func() {
				if err := scheduler.Start(ctx); err != nil {
					log.Error().Err(err).Msg("DLQ scheduler error")
				}
			}()
		}
	}

	server := api.NewServer(cfg, deps)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
