package cmd

import (
	"context"

	"example.com/backstage/services/stocksync/config"
	"example.com/backstage/services/stocksync/internal/cache"
	"example.com/backstage/services/stocksync/internal/consumer"
	"example.com/backstage/services/stocksync/internal/database"
	"example.com/backstage/services/stocksync/internal/dlq"
	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/repositories"
	"example.com/backstage/services/stocksync/internal/search"
	"example.com/backstage/services/stocksync/internal/telemetry"
	"example.com/backstage/services/stocksync/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// closer collects cleanup funcs and runs them in reverse order
type closer struct {
	funcs []func()
}

func (c *closer) add(fn func()) {
	c.funcs = append(c.funcs, fn)
}

func (c *closer) Close() {
	for i := len(c.funcs) - 1; i >= 0; i-- {
		c.funcs[i]()
	}
}

func initDatabase(cfg config.Config, cl *closer) (*database.Database, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	cl.add(func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	})

	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func initTracer(cfg config.Config, cl *closer) tracing.Tracer {
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		return tracing.NewNoopTracer()
	}
	cl.add(tracer.Close)
	return tracer
}

func initBroker(ctx context.Context, cfg config.Config, cl *closer) (messaging.Broker, error) {
	switch cfg.Broker.Kind {
	case "servicebus":
		broker, err := messaging.NewServiceBusBroker(cfg.Azure)
		if err != nil {
			return nil, err
		}
		cl.add(func() { broker.Close() })
		return broker, nil
	default:
		tp, shutdown, err := telemetry.SetupTracing(ctx, cfg.Otel)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up OpenTelemetry, broker spans disabled")
		} else {
			cl.add(func() {
				if err := shutdown(context.Background()); err != nil {
					log.Error().Err(err).Msg("Failed to flush traces")
				}
			})
		}

		broker, err := messaging.NewKafkaBroker(cfg.Kafka, tp)
		if err != nil {
			return nil, err
		}
		cl.add(func() { broker.Close() })
		return broker, nil
	}
}

// initDLQStore returns nil when the DLQ is disabled
func initDLQStore(cfg config.Config, db *database.Database, cl *closer) (dlq.Store, error) {
	if !cfg.DLQ.Enabled {
		log.Warn().Msg("DLQ disabled, undeliverable events will only be logged")
		return nil, nil
	}

	switch cfg.DLQ.Store {
	case "bolt":
		store, err := dlq.OpenBoltStore(cfg.DLQ.BoltPath)
		if err != nil {
			return nil, err
		}
		cl.add(func() { store.Close() })
		return store, nil
	default:
		if db == nil {
			return nil, errors.New("postgres DLQ store requires a database connection")
		}
		return repositories.NewFailedPublicationRepository(db.Primary), nil
	}
}

func newBackoff(cfg config.Config) *dlq.Backoff {
	return dlq.NewBackoff(cfg.DLQ.BaseDelay, cfg.DLQ.MaxDelay)
}

func newScheduler(cfg config.Config, store dlq.Store, broker messaging.Broker, m *metrics.Metrics) *dlq.Scheduler {
	return dlq.NewScheduler(store, broker, newBackoff(cfg), dlq.SchedulerConfig{
		RetryInterval:      cfg.DLQ.RetryInterval,
		CleanupInterval:    cfg.DLQ.CleanupInterval,
		BatchSize:          cfg.DLQ.BatchSize,
		SendTimeout:        cfg.Publisher.SendTimeout,
		ProcessingLease:    cfg.DLQ.ProcessingLease,
		SucceededRetention: cfg.DLQ.SucceededRetention,
		FailedRetention:    cfg.DLQ.FailedRetention,
	}, m)
}

// initAggregator wires the projection store with the optional cache and search index.
// The returned searcher is nil when Elasticsearch is disabled or unreachable.
func initAggregator(cfg config.Config, db *database.Database, m *metrics.Metrics, cl *closer) (*consumer.Aggregator, *search.ElasticClient, *cache.RedisCache) {
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	} else {
		cl.add(func() { redisCache.Close() })
	}

	var elasticClient *search.ElasticClient
	if cfg.Elastic.Enabled {
		elasticClient, err = search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
			elasticClient = nil
		}
	}

	store := repositories.NewProjectionRepository(db.Primary, db.ReadOnly)
	aggregator := consumer.NewAggregator(store, redisCache, elasticClient, m)
	return aggregator, elasticClient, redisCache
}
