package consumer

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ProjectionStore persists store projections and central aggregates.
// RecomputeAggregate sums the projections of a product and saves the result.
type ProjectionStore interface {
	UpsertStoreProjection(ctx context.Context, projection *models.StoreProjection) (bool, error)
	RecomputeAggregate(ctx context.Context, productID string, now time.Time) (*models.CentralAggregate, error)
	GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error)
	ListStoreProjections(ctx context.Context, productID string) ([]models.StoreProjection, error)
}

// AggregateCache is a read-through cache for central aggregates
type AggregateCache interface {
	GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error)
	SetAggregate(ctx context.Context, aggregate *models.CentralAggregate) error
}

// EventIndexer records applied events for audit search
type EventIndexer interface {
	IndexStockEvent(ctx context.Context, event *models.DomainEvent) error
}

// ApplyResult describes the outcome of applying one event
type ApplyResult struct {
	// Applied is false when the projection already held a newer event
	Applied   bool
	Aggregate *models.CentralAggregate
}

// Aggregator keeps per-store projections and the central rollup in step with
// the event stream. Quantities are always absolute, so applying an event twice
// has the same effect as applying it once.
type Aggregator struct {
	store   ProjectionStore
	cache   AggregateCache
	indexer EventIndexer
	metrics *metrics.Metrics
	now     func() time.Time
	locks   [productLockStripes]sync.Mutex
}

const productLockStripes = 64

// NewAggregator creates an aggregator. cache and indexer are optional.
func NewAggregator(store ProjectionStore, cache AggregateCache, indexer EventIndexer, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		store:   store,
		cache:   cache,
		indexer: indexer,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply upserts the store projection described by event and recomputes the
// product's central aggregate. Write failures wrap ErrConsumerApplyFailure.
func (a *Aggregator) Apply(ctx context.Context, event *models.DomainEvent) (*ApplyResult, error) {
	projection := models.NewStoreProjection(event, a.now())

	applied, err := a.store.UpsertStoreProjection(ctx, projection)
	if err != nil {
		return nil, errors.Wrapf(models.ErrConsumerApplyFailure, "upsert projection %s: %v", event.PartitionKey(), err)
	}
	if !applied {
		a.metrics.IncrementCounter(metrics.ConsumerStale)
		log.Info().
			Str("event_id", event.EventID).
			Str("partition_key", event.PartitionKey()).
			Time("event_time", event.Timestamp).
			Msg("Projection holds a newer event, skipping")
		return &ApplyResult{Applied: false}, nil
	}

	aggregate, err := a.Recompute(ctx, event.ProductID)
	if err != nil {
		return nil, err
	}

	a.afterApply(ctx, event, aggregate)
	return &ApplyResult{Applied: true, Aggregate: aggregate}, nil
}

// Recompute rebuilds the central aggregate of productID by summing every store projection.
// Recomputes of one product never overlap within a process; the store serializes
// them across processes.
func (a *Aggregator) Recompute(ctx context.Context, productID string) (*models.CentralAggregate, error) {
	lock := a.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	aggregate, err := a.store.RecomputeAggregate(ctx, productID, a.now())
	if err != nil {
		return nil, errors.Wrapf(models.ErrConsumerApplyFailure, "recompute aggregate of %s: %v", productID, err)
	}
	return aggregate, nil
}

func (a *Aggregator) productLock(productID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return &a.locks[h.Sum32()%productLockStripes]
}

// afterApply refreshes the cache and the audit index. Failures are logged only.
func (a *Aggregator) afterApply(ctx context.Context, event *models.DomainEvent, aggregate *models.CentralAggregate) {
	if a.cache != nil {
		if err := a.cache.SetAggregate(ctx, aggregate); err != nil {
			log.Warn().Err(err).Str("product_id", aggregate.ProductID).Msg("Failed to cache aggregate")
		}
	}
	if a.indexer != nil {
		if err := a.indexer.IndexStockEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_id", event.EventID).Msg("Failed to index stock event")
		}
	}
}

// GetAggregate returns the central aggregate of a product, from cache when possible
func (a *Aggregator) GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error) {
	if productID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "productId is required")
	}

	if a.cache != nil {
		if aggregate, err := a.cache.GetAggregate(ctx, productID); err == nil {
			return aggregate, nil
		}
	}

	aggregate, err := a.store.GetAggregate(ctx, productID)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.SetAggregate(ctx, aggregate); err != nil {
			log.Warn().Err(err).Str("product_id", productID).Msg("Failed to cache aggregate")
		}
	}
	return aggregate, nil
}

// ListStores returns the per-store projections of a product
func (a *Aggregator) ListStores(ctx context.Context, productID string) ([]models.StoreProjection, error) {
	if productID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "productId is required")
	}
	return a.store.ListStoreProjections(ctx, productID)
}
