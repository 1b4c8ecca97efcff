package services

import (
	"context"
	"sync"
	"testing"

	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memoryRepository is a StockRepository with the same compare-and-swap rule as the SQL one
type memoryRepository struct {
	mu      sync.Mutex
	records map[string]models.StockRecord
}

func newMemoryRepository(records ...models.StockRecord) *memoryRepository {
	repo := &memoryRepository{records: map[string]models.StockRecord{}}
	for _, r := range records {
		repo.records[r.ProductID+"/"+r.StoreID] = r
	}
	return repo
}

func (r *memoryRepository) Get(_ context.Context, productID, storeID string) (*models.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[productID+"/"+storeID]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "product %s at store %s", productID, storeID)
	}
	return &record, nil
}

func (r *memoryRepository) Create(_ context.Context, record *models.StockRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := record.ProductID + "/" + record.StoreID
	if _, ok := r.records[key]; ok {
		return false, nil
	}
	r.records[key] = *record
	return true, nil
}

func (r *memoryRepository) Save(_ context.Context, record *models.StockRecord, expectedVersion int64) (*models.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := record.ProductID + "/" + record.StoreID
	if r.records[key].Version != expectedVersion {
		return nil, errors.Wrapf(models.ErrConcurrentModification, "version %d", expectedVersion)
	}
	saved := *record
	saved.Version = expectedVersion + 1
	r.records[key] = saved
	return &saved, nil
}

func (r *memoryRepository) SumOnHand(_ context.Context, productID string) (int, error) {
	return r.sum(productID, func(s models.StockRecord) int { return s.OnHand }), nil
}

func (r *memoryRepository) SumReserved(_ context.Context, productID string) (int, error) {
	return r.sum(productID, func(s models.StockRecord) int { return s.Reserved }), nil
}

func (r *memoryRepository) sum(productID string, field func(models.StockRecord) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, record := range r.records {
		if record.ProductID == productID && record.Active {
			total += field(record)
		}
	}
	return total
}

func (r *memoryRepository) ListByProduct(_ context.Context, productID string) ([]models.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StockRecord
	for _, record := range r.records {
		if record.ProductID == productID {
			out = append(out, record)
		}
	}
	return out, nil
}

// conflictingRepository bumps the stored version between Get and Save
type conflictingRepository struct {
	*memoryRepository
}

func (r *conflictingRepository) Save(ctx context.Context, record *models.StockRecord, expectedVersion int64) (*models.StockRecord, error) {
	r.mu.Lock()
	key := record.ProductID + "/" + record.StoreID
	concurrent := r.records[key]
	concurrent.Version++
	r.records[key] = concurrent
	r.mu.Unlock()
	return r.memoryRepository.Save(ctx, record, expectedVersion)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishAsync(event *models.DomainEvent) {
	m.Called(event)
}

func store100() models.StockRecord {
	return models.StockRecord{ProductID: "P1", StoreID: "S1", OnHand: 100, Active: true}
}

func newTestService(repo StockRepository, publisher *MockPublisher) *StockService {
	return NewStockService(repo, publisher, nil, metrics.NewMetrics())
}

func TestReserveUpdatesRecordAndPublishesAfterSave(t *testing.T) {
	repo := newMemoryRepository(store100())
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)

	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		stored, _ := repo.Get(context.Background(), "P1", "S1")
		return e.Kind == models.EventReserve &&
			e.PreviousQty == 100 &&
			e.NewQty == 70 &&
			e.ReservedQty == 30 &&
			e.PartitionKey() == "S1:P1" &&
			stored.Version == 1
	})).Return().Once()

	result, err := service.Reserve(context.Background(), "P1", "S1", 30)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 70, result.OnHand)
	require.Equal(t, 30, result.Reserved)
	require.Equal(t, 40, result.Available)
	require.NotEmpty(t, result.EventID)
	publisher.AssertExpectations(t)
}

func TestReserveThenCancelRestoresRecord(t *testing.T) {
	repo := newMemoryRepository(store100())
	publisher := new(MockPublisher)
	publisher.On("PublishAsync", mock.Anything).Return()
	service := newTestService(repo, publisher)
	ctx := context.Background()

	_, err := service.Reserve(ctx, "P1", "S1", 25)
	require.NoError(t, err)
	result, err := service.Cancel(ctx, "P1", "S1", 25)
	require.NoError(t, err)
	require.Equal(t, 100, result.OnHand)
	require.Equal(t, 0, result.Reserved)
	publisher.AssertNumberOfCalls(t, "PublishAsync", 2)
}

func TestReserveThenCommitKeepsOnHand(t *testing.T) {
	repo := newMemoryRepository(store100())
	publisher := new(MockPublisher)
	publisher.On("PublishAsync", mock.Anything).Return()
	service := newTestService(repo, publisher)
	ctx := context.Background()

	_, err := service.Reserve(ctx, "P1", "S1", 25)
	require.NoError(t, err)
	result, err := service.Commit(ctx, "P1", "S1", 25)
	require.NoError(t, err)
	require.Equal(t, 75, result.OnHand)
	require.Equal(t, 0, result.Reserved)
}

func TestInsufficientStockReturnsFailureResultAndLeavesRecord(t *testing.T) {
	repo := newMemoryRepository(store100())
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)

	result, err := service.Reserve(context.Background(), "P1", "S1", 101)
	require.True(t, errors.Is(err, models.ErrInsufficientStock))
	require.NotNil(t, result)
	require.False(t, result.Success)
	require.Equal(t, 100, result.Available)
	require.Contains(t, result.Message, "available 100")

	stored, err := repo.Get(context.Background(), "P1", "S1")
	require.NoError(t, err)
	require.Equal(t, store100(), *stored)
	publisher.AssertNotCalled(t, "PublishAsync", mock.Anything)
}

func TestCommitMoreThanReservedFails(t *testing.T) {
	service := newTestService(newMemoryRepository(store100()), new(MockPublisher))

	_, err := service.Commit(context.Background(), "P1", "S1", 1)
	require.True(t, errors.Is(err, models.ErrInsufficientReserved))
}

func TestInvalidArgumentsAndMissingRecords(t *testing.T) {
	service := newTestService(newMemoryRepository(store100()), new(MockPublisher))
	ctx := context.Background()

	_, err := service.Reserve(ctx, "P1", "S1", 0)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = service.SetOnHand(ctx, "P1", "S1", -1)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = service.Reserve(ctx, "", "S1", 1)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	result, err := service.Reserve(ctx, "P1", "S9", 1)
	require.True(t, errors.Is(err, models.ErrNotFound))
	require.Nil(t, result)
}

func TestVersionConflictIsReturnedNotRetried(t *testing.T) {
	repo := &conflictingRepository{newMemoryRepository(store100())}
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)

	result, err := service.Reserve(context.Background(), "P1", "S1", 10)
	require.True(t, errors.Is(err, models.ErrConcurrentModification))
	require.True(t, models.IsRetryable(err))
	require.False(t, result.Success)
	publisher.AssertNotCalled(t, "PublishAsync", mock.Anything)

	stored, err := repo.Get(context.Background(), "P1", "S1")
	require.NoError(t, err)
	require.Equal(t, 100, stored.OnHand)
}

func TestSetOnHandAndRestockEmitAbsoluteQuantities(t *testing.T) {
	record := store100()
	record.OnHand, record.Reserved = 70, 30
	repo := newMemoryRepository(record)
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)
	ctx := context.Background()

	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.Kind == models.EventUpdate && e.NewQty == 50 && e.ReservedQty == 30
	})).Return().Once()
	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.Kind == models.EventRestock && e.PreviousQty == 50 && e.NewQty == 60
	})).Return().Once()

	result, err := service.SetOnHand(ctx, "P1", "S1", 50)
	require.NoError(t, err)
	require.Equal(t, 20, result.Available)

	result, err = service.Restock(ctx, "P1", "S1", 10)
	require.NoError(t, err)
	require.Equal(t, 60, result.OnHand)
	publisher.AssertExpectations(t)
}

func TestDeactivateEmitsZeroedUpdateAndHidesRecord(t *testing.T) {
	repo := newMemoryRepository(store100())
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)
	ctx := context.Background()

	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.Kind == models.EventUpdate && e.NewQty == 0 && e.ReservedQty == 0 && e.Details == "deactivated"
	})).Return().Once()

	_, err := service.Deactivate(ctx, "P1", "S1")
	require.NoError(t, err)

	stored, err := repo.Get(ctx, "P1", "S1")
	require.NoError(t, err)
	require.False(t, stored.Active)
	require.Equal(t, 100, stored.OnHand)

	_, err = service.Reserve(ctx, "P1", "S1", 1)
	require.True(t, errors.Is(err, models.ErrNotFound))

	totals, err := service.LocalTotals(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, 0, totals.TotalOnHand)
	publisher.AssertExpectations(t)
}

func TestDeactivateWithOpenReservationsFails(t *testing.T) {
	record := store100()
	record.Reserved = 5
	service := newTestService(newMemoryRepository(record), new(MockPublisher))

	_, err := service.Deactivate(context.Background(), "P1", "S1")
	require.True(t, errors.Is(err, models.ErrInvalidArgument))
}

func TestInitializeStockIsIdempotent(t *testing.T) {
	repo := newMemoryRepository()
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)
	ctx := context.Background()

	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.Kind == models.EventUpdate && e.PreviousQty == 0 && e.NewQty == 40
	})).Return().Once()

	result, err := service.InitializeStock(ctx, "P1", "S2", 40)
	require.NoError(t, err)
	require.Equal(t, 40, result.OnHand)
	require.NotEmpty(t, result.EventID)

	result, err = service.InitializeStock(ctx, "P1", "S2", 999)
	require.NoError(t, err)
	require.Equal(t, 40, result.OnHand)
	require.Empty(t, result.EventID)
	publisher.AssertExpectations(t)
}

func TestInitializeStockReactivatesDeactivatedRecord(t *testing.T) {
	retired := store100()
	retired.Active = false
	retired.Version = 4
	repo := newMemoryRepository(retired)
	publisher := new(MockPublisher)
	service := newTestService(repo, publisher)
	ctx := context.Background()

	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.Kind == models.EventUpdate && e.PreviousQty == 0 && e.NewQty == 25 && e.Details == "reactivated"
	})).Return().Once()

	result, err := service.InitializeStock(ctx, "P1", "S1", 25)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 25, result.OnHand)
	require.NotEmpty(t, result.EventID)

	stored, err := repo.Get(ctx, "P1", "S1")
	require.NoError(t, err)
	require.True(t, stored.Active)
	require.Equal(t, 25, stored.OnHand)
	require.Equal(t, int64(5), stored.Version)

	publisher.On("PublishAsync", mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.Kind == models.EventReserve
	})).Return().Once()
	_, err = service.Reserve(ctx, "P1", "S1", 1)
	require.NoError(t, err)
	publisher.AssertExpectations(t)
}

func TestLocalTotalsSumsActiveStores(t *testing.T) {
	s2 := models.StockRecord{ProductID: "P1", StoreID: "S2", OnHand: 20, Reserved: 5, Active: true}
	other := models.StockRecord{ProductID: "P2", StoreID: "S1", OnHand: 7, Active: true}
	service := newTestService(newMemoryRepository(store100(), s2, other), new(MockPublisher))

	totals, err := service.LocalTotals(context.Background(), "P1")
	require.NoError(t, err)
	require.Equal(t, StockSummary{ProductID: "P1", TotalOnHand: 120, TotalReserved: 5, Available: 115}, *totals)
}
