package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/stocksync/internal/consumer"
	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Start the stock event consumer",
	Long: `Start the consumer that applies stock events to per-store projections
and recomputes the central aggregate for each product`,
	RunE: runConsumer,
}

func init() {
	rootCmd.AddCommand(consumerCmd)
}

func runConsumer(cmd *cobra.Command, args []string) error {
	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cl := &closer{}
	defer cl.Close()

	m := metrics.NewMetrics()

	db, err := initDatabase(cfg, cl)
	if err != nil {
		return err
	}

	aggregator, _, _ := initAggregator(cfg, db, m, cl)
	processor := consumer.NewProcessor(aggregator, m)

	source, err := initConsumer(ctx, cl)
	if err != nil {
		return err
	}

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("broker", cfg.Broker.Kind).Str("topic", cfg.Topic()).Msg("Starting stock event consumer")
		return source.Run(ctx, processor.Handle)
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Consumer error")
		return err
	}

	log.Info().Msg("Consumer shutting down gracefully")
	return nil
}

func initConsumer(ctx context.Context, cl *closer) (messaging.Consumer, error) {
	if cfg.Broker.Kind == "servicebus" {
		// Service Bus dead-letters messages past the queue max delivery count
		source, err := messaging.NewServiceBusConsumer(cfg.Azure)
		if err != nil {
			return nil, err
		}
		cl.add(func() { source.Close() })
		return source, nil
	}

	var deadLetter messaging.Broker
	if cfg.Kafka.DeadLetterTopic != "" {
		broker, err := initBroker(ctx, cfg, cl)
		if err != nil {
			return nil, err
		}
		deadLetter = broker
	}

	source := messaging.NewKafkaConsumer(cfg.Kafka, deadLetter)
	cl.add(func() { source.Close() })
	return source, nil
}
