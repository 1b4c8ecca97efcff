package services

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"
	"example.com/backstage/services/stocksync/internal/tracing"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StockRepository is the persistence the stock service needs
type StockRepository interface {
	Get(ctx context.Context, productID, storeID string) (*models.StockRecord, error)
	Create(ctx context.Context, record *models.StockRecord) (bool, error)
	Save(ctx context.Context, record *models.StockRecord, expectedVersion int64) (*models.StockRecord, error)
	SumOnHand(ctx context.Context, productID string) (int, error)
	SumReserved(ctx context.Context, productID string) (int, error)
	ListByProduct(ctx context.Context, productID string) ([]models.StockRecord, error)
}

// EventPublisher hands committed domain events to the broker without blocking
type EventPublisher interface {
	PublishAsync(event *models.DomainEvent)
}

// StockSummary is the local, store-side total of one product
type StockSummary struct {
	ProductID     string `json:"productId"`
	TotalOnHand   int    `json:"totalOnHand"`
	TotalReserved int    `json:"totalReserved"`
	Available     int    `json:"available"`
}

// StockService applies ledger transitions to stock records and announces them.
// Each write is a compare-and-swap on the record version; conflicts are
// returned to the caller and never retried here.
type StockService struct {
	repo      StockRepository
	publisher EventPublisher
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewStockService creates a new stock service
func NewStockService(repo StockRepository, publisher EventPublisher, tracer tracing.Tracer, m *metrics.Metrics) *StockService {
	if tracer == nil {
		tracer = tracing.NewNoopTracer()
	}
	return &StockService{
		repo:      repo,
		publisher: publisher,
		tracer:    tracer,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reserve moves qty units of a product at a store into the holding area
func (s *StockService) Reserve(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error) {
	return s.mutate(ctx, "reserve", models.EventReserve, productID, storeID, "", func(r *models.StockRecord) error {
		return r.Reserve(qty)
	}, fmt.Sprintf("reserved %d", qty))
}

// Commit finalizes qty reserved units as sold
func (s *StockService) Commit(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error) {
	return s.mutate(ctx, "commit", models.EventCommit, productID, storeID, "", func(r *models.StockRecord) error {
		return r.Commit(qty)
	}, fmt.Sprintf("committed %d", qty))
}

// Cancel releases qty reserved units back to the free pool
func (s *StockService) Cancel(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error) {
	return s.mutate(ctx, "cancel", models.EventCancel, productID, storeID, "", func(r *models.StockRecord) error {
		return r.Cancel(qty)
	}, fmt.Sprintf("cancelled %d", qty))
}

// SetOnHand overwrites the on-hand count, e.g. after a manual count
func (s *StockService) SetOnHand(ctx context.Context, productID, storeID string, newQty int) (*models.OperationResult, error) {
	return s.mutate(ctx, "set-on-hand", models.EventUpdate, productID, storeID, "manual count", func(r *models.StockRecord) error {
		return r.SetOnHand(newQty)
	}, fmt.Sprintf("on-hand set to %d", newQty))
}

// Restock adds qty received units to the on-hand count
func (s *StockService) Restock(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error) {
	return s.mutate(ctx, "restock", models.EventRestock, productID, storeID, "", func(r *models.StockRecord) error {
		return r.Restock(qty)
	}, fmt.Sprintf("restocked %d", qty))
}

// Deactivate retires a stock record. The record is kept, but downstream
// projections see it drop to zero.
func (s *StockService) Deactivate(ctx context.Context, productID, storeID string) (*models.OperationResult, error) {
	return s.mutate(ctx, "deactivate", models.EventUpdate, productID, storeID, "deactivated", func(r *models.StockRecord) error {
		return r.Deactivate()
	}, "deactivated")
}

// InitializeStock creates the record for a product at a store. An active
// record is returned unchanged and no event is emitted. A deactivated one is
// reactivated with onHand.
func (s *StockService) InitializeStock(ctx context.Context, productID, storeID string, onHand int) (*models.OperationResult, error) {
	txn := s.tracer.StartTransaction("stock-initialize")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "product_id", productID)
	s.tracer.AddAttribute(txn, "store_id", storeID)

	if err := validateKey(productID, storeID); err != nil {
		return nil, err
	}
	if onHand < 0 {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "on-hand quantity must not be negative, got %d", onHand)
	}

	now := s.now()
	record := &models.StockRecord{
		ProductID: productID,
		StoreID:   storeID,
		OnHand:    onHand,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	segment := s.tracer.StartSpan("stock-create", txn)
	created, err := s.repo.Create(ctx, record)
	segment.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	if !created {
		existing, err := s.repo.Get(ctx, productID, storeID)
		if err != nil {
			return nil, err
		}
		if existing.Active {
			return models.NewOperationResult(existing, true, "stock record already exists"), nil
		}
		return s.reactivate(ctx, txn, existing, onHand)
	}

	empty := &models.StockRecord{ProductID: productID, StoreID: storeID}
	event := models.NewDomainEvent(models.EventUpdate, empty, record, "initialized", now)
	s.publisher.PublishAsync(event)

	log.Info().
		Str("product_id", productID).
		Str("store_id", storeID).
		Int("on_hand", onHand).
		Msg("Stock record initialized")

	result := models.NewOperationResult(record, true, "initialized")
	result.EventID = event.EventID
	return result, nil
}

func (s *StockService) reactivate(ctx context.Context, txn *newrelic.Transaction, current *models.StockRecord, onHand int) (*models.OperationResult, error) {
	next := *current
	if err := next.Reactivate(onHand); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()

	segment := s.tracer.StartSpan("stock-save", txn)
	saved, err := s.repo.Save(ctx, &next, current.Version)
	segment.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		if errors.Is(err, models.ErrConcurrentModification) {
			s.metrics.IncrementCounter(metrics.StockConflicts)
			return models.NewOperationResult(current, false, err.Error()), err
		}
		return nil, err
	}

	// downstream last saw the retired record at zero
	retired := *current
	retired.OnHand, retired.Reserved = 0, 0
	event := models.NewDomainEvent(models.EventUpdate, &retired, saved, "reactivated", s.now())
	s.publisher.PublishAsync(event)

	log.Info().
		Str("product_id", saved.ProductID).
		Str("store_id", saved.StoreID).
		Int("on_hand", saved.OnHand).
		Int64("version", saved.Version).
		Msg("Stock record reactivated")

	result := models.NewOperationResult(saved, true, "reactivated")
	result.EventID = event.EventID
	return result, nil
}

// GetStock returns the current record of a product at a store
func (s *StockService) GetStock(ctx context.Context, productID, storeID string) (*models.StockRecord, error) {
	if err := validateKey(productID, storeID); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, productID, storeID)
}

// ListStock returns every store record of a product
func (s *StockService) ListStock(ctx context.Context, productID string) ([]models.StockRecord, error) {
	if productID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "productId is required")
	}
	return s.repo.ListByProduct(ctx, productID)
}

// LocalTotals sums active stock records of a product on the store side
func (s *StockService) LocalTotals(ctx context.Context, productID string) (*StockSummary, error) {
	if productID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "productId is required")
	}
	onHand, err := s.repo.SumOnHand(ctx, productID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.repo.SumReserved(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &StockSummary{
		ProductID:     productID,
		TotalOnHand:   onHand,
		TotalReserved: reserved,
		Available:     onHand - reserved,
	}, nil
}

// mutate loads the record, applies a transition to a copy, saves it with a
// version check and publishes the event once the write has committed.
func (s *StockService) mutate(
	ctx context.Context,
	op string,
	kind models.EventKind,
	productID, storeID, details string,
	apply func(*models.StockRecord) error,
	message string,
) (*models.OperationResult, error) {
	start := time.Now()
	defer s.metrics.Since(metrics.StockOperationTime, start)

	txn := s.tracer.StartTransaction("stock-" + op)
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "product_id", productID)
	s.tracer.AddAttribute(txn, "store_id", storeID)

	if err := validateKey(productID, storeID); err != nil {
		s.metrics.IncrementCounter(metrics.StockRejections)
		return nil, err
	}

	current, err := s.repo.Get(ctx, productID, storeID)
	if err != nil {
		s.metrics.RecordError(metrics.StockOperation)
		return nil, err
	}
	if !current.Active {
		return nil, errors.Wrapf(models.ErrNotFound, "product %s at store %s is inactive", productID, storeID)
	}

	next := *current
	if err := apply(&next); err != nil {
		s.metrics.IncrementCounter(metrics.StockRejections)
		log.Info().
			Err(err).
			Str("op", op).
			Str("product_id", productID).
			Str("store_id", storeID).
			Msg("Stock operation rejected")
		return models.NewOperationResult(current, false, err.Error()), err
	}

	segment := s.tracer.StartSpan("stock-save", txn)
	saved, err := s.repo.Save(ctx, &next, current.Version)
	segment.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		if errors.Is(err, models.ErrConcurrentModification) {
			s.metrics.IncrementCounter(metrics.StockConflicts)
			return models.NewOperationResult(current, false, err.Error()), err
		}
		s.metrics.RecordError(metrics.StockOperation)
		return nil, err
	}
	s.metrics.RecordSuccess(metrics.StockOperation)

	after := saved
	if !saved.Active {
		// A retired record contributes nothing downstream
		retired := *saved
		retired.OnHand, retired.Reserved = 0, 0
		after = &retired
	}
	event := models.NewDomainEvent(kind, current, after, details, s.now())
	s.publisher.PublishAsync(event)

	log.Debug().
		Str("op", op).
		Str("event_id", event.EventID).
		Str("partition_key", event.PartitionKey()).
		Int("on_hand", saved.OnHand).
		Int("reserved", saved.Reserved).
		Int64("version", saved.Version).
		Msg("Stock operation applied")

	result := models.NewOperationResult(saved, true, message)
	result.EventID = event.EventID
	return result, nil
}

func validateKey(productID, storeID string) error {
	if productID == "" {
		return errors.Wrap(models.ErrInvalidArgument, "productId is required")
	}
	if storeID == "" {
		return errors.Wrap(models.ErrInvalidArgument, "storeId is required")
	}
	return nil
}
