package consumer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory ProjectionStore with the same stale-event rule as the SQL one
type memoryStore struct {
	mu          sync.Mutex
	projections map[string]models.StoreProjection
	aggregates  map[string]models.CentralAggregate
	failUpsert  error
	failSave    error
	afterSum    func(productID string, totals models.ProjectionTotals)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		projections: map[string]models.StoreProjection{},
		aggregates:  map[string]models.CentralAggregate{},
	}
}

func (s *memoryStore) UpsertStoreProjection(_ context.Context, p *models.StoreProjection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert != nil {
		return false, s.failUpsert
	}
	key := p.ProductID + "/" + p.StoreID
	if existing, ok := s.projections[key]; ok && existing.LastEventAt.After(p.LastEventAt) {
		return false, nil
	}
	s.projections[key] = *p
	return true, nil
}

// RecomputeAggregate sums and saves in two separate steps, calling afterSum in
// between, so tests can interleave concurrent applies of one product.
func (s *memoryStore) RecomputeAggregate(_ context.Context, productID string, now time.Time) (*models.CentralAggregate, error) {
	totals := s.sum(productID)
	if s.afterSum != nil {
		s.afterSum(productID, totals)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return nil, s.failSave
	}
	saved := *models.NewCentralAggregate(productID, totals, now)
	saved.Version = s.aggregates[productID].Version + 1
	s.aggregates[productID] = saved
	return &saved, nil
}

func (s *memoryStore) sum(productID string) models.ProjectionTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	var totals models.ProjectionTotals
	for _, p := range s.projections {
		if p.ProductID == productID {
			totals.TotalOnHand += p.OnHand
			totals.TotalReserved += p.Reserved
			totals.StoreCount++
		}
	}
	return totals
}

func (s *memoryStore) GetAggregate(_ context.Context, productID string) (*models.CentralAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[productID]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "no aggregate for product %s", productID)
	}
	return &a, nil
}

func (s *memoryStore) ListStoreProjections(_ context.Context, productID string) ([]models.StoreProjection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StoreProjection
	for _, p := range s.projections {
		if p.ProductID == productID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error) {
	args := m.Called(ctx, productID)
	if a := args.Get(0); a != nil {
		return a.(*models.CentralAggregate), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCache) SetAggregate(ctx context.Context, aggregate *models.CentralAggregate) error {
	args := m.Called(ctx, aggregate)
	return args.Error(0)
}

type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) IndexStockEvent(ctx context.Context, event *models.DomainEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func newTestProcessor(store *memoryStore) (*Processor, *Aggregator, *metrics.Metrics) {
	m := metrics.NewMetrics()
	aggregator := NewAggregator(store, nil, nil, m)
	return NewProcessor(aggregator, m), aggregator, m
}

func stockEvent(storeID string, onHand, reserved int, at time.Time) *models.DomainEvent {
	return &models.DomainEvent{
		EventID:     uuid.NewString(),
		ProductID:   "P1",
		StoreID:     storeID,
		Kind:        models.EventUpdate,
		NewQty:      onHand,
		ReservedQty: reserved,
		Timestamp:   at,
	}
}

func marshal(t *testing.T, event *models.DomainEvent) []byte {
	t.Helper()
	data, err := event.Marshal()
	require.NoError(t, err)
	return data
}

func TestReserveEventProducesAggregate(t *testing.T) {
	store := newMemoryStore()
	processor, _, m := newTestProcessor(store)

	event := stockEvent("S1", 70, 30, time.Now().UTC())
	event.Kind = models.EventReserve
	event.PreviousQty = 100

	result, err := processor.Process(context.Background(), marshal(t, event))
	require.NoError(t, err)
	require.Equal(t, StateAcknowledged, result.State)
	require.True(t, result.State.Acked())
	require.True(t, result.Applied)

	require.Equal(t, 70, result.Aggregate.TotalOnHand)
	require.Equal(t, 30, result.Aggregate.TotalReserved)
	require.Equal(t, 40, result.Aggregate.Available)
	require.Equal(t, 1, result.Aggregate.StoreCount)

	projections, err := store.ListStoreProjections(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, projections, 1)
	require.True(t, projections[0].Synchronized)
	require.Equal(t, event.EventID, projections[0].LastEventID)
	require.Equal(t, int64(1), m.GetCounters()[metrics.ConsumerAcknowledged])
}

func TestApplyingTheSameEventTwiceIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	processor, _, _ := newTestProcessor(store)
	payload := marshal(t, stockEvent("S1", 70, 30, time.Now().UTC()))

	first, err := processor.Process(context.Background(), payload)
	require.NoError(t, err)
	second, err := processor.Process(context.Background(), payload)
	require.NoError(t, err)

	require.Equal(t, first.Aggregate.TotalOnHand, second.Aggregate.TotalOnHand)
	require.Equal(t, first.Aggregate.TotalReserved, second.Aggregate.TotalReserved)
	require.Equal(t, first.Aggregate.StoreCount, second.Aggregate.StoreCount)
}

func TestAggregateEqualsSumOfStores(t *testing.T) {
	store := newMemoryStore()
	processor, aggregator, _ := newTestProcessor(store)
	now := time.Now().UTC()

	for i, event := range []*models.DomainEvent{
		stockEvent("S1", 70, 30, now),
		stockEvent("S2", 50, 5, now.Add(time.Second)),
		stockEvent("S3", 0, 0, now.Add(2*time.Second)),
		stockEvent("S1", 60, 10, now.Add(3*time.Second)),
	} {
		_, err := processor.Process(context.Background(), marshal(t, event))
		require.NoError(t, err, "event %d", i)
	}

	aggregate, err := aggregator.GetAggregate(context.Background(), "P1")
	require.NoError(t, err)
	require.Equal(t, 110, aggregate.TotalOnHand)
	require.Equal(t, 15, aggregate.TotalReserved)
	require.Equal(t, 95, aggregate.Available)
	require.Equal(t, 3, aggregate.StoreCount)
	require.Equal(t, int64(4), aggregate.Version)
}

func TestConcurrentAppliesKeepAggregateEqualToSum(t *testing.T) {
	store := newMemoryStore()
	_, aggregator, _ := newTestProcessor(store)
	ctx := context.Background()
	now := time.Now().UTC()

	firstSummed := make(chan struct{})
	release := make(chan struct{})
	var sums int32
	store.afterSum = func(string, models.ProjectionTotals) {
		if atomic.AddInt32(&sums, 1) == 1 {
			close(firstSummed)
			<-release
		}
	}

	errs := make(chan error, 2)
	go func() {
		_, err := aggregator.Apply(ctx, stockEvent("S1", 100, 0, now))
		errs <- err
	}()
	<-firstSummed

	go func() {
		_, err := aggregator.Apply(ctx, stockEvent("S2", 50, 0, now))
		errs <- err
	}()
	require.Eventually(t, func() bool {
		projections, _ := store.ListStoreProjections(ctx, "P1")
		return len(projections) == 2
	}, time.Second, 5*time.Millisecond)

	// let the second apply run as far as it can before the first one saves
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	aggregate, err := store.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, 150, aggregate.TotalOnHand)
	require.Equal(t, 2, aggregate.StoreCount)
	require.Equal(t, 150, aggregate.Available)
}

func TestOlderEventDoesNotOverwriteNewerProjection(t *testing.T) {
	store := newMemoryStore()
	processor, aggregator, m := newTestProcessor(store)
	now := time.Now().UTC()

	_, err := processor.Process(context.Background(), marshal(t, stockEvent("S1", 60, 10, now)))
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), marshal(t, stockEvent("S1", 70, 30, now.Add(-time.Minute))))
	require.NoError(t, err)
	require.Equal(t, StateAcknowledged, result.State)
	require.False(t, result.Applied)

	aggregate, err := aggregator.GetAggregate(context.Background(), "P1")
	require.NoError(t, err)
	require.Equal(t, 60, aggregate.TotalOnHand)
	require.Equal(t, int64(1), m.GetCounters()[metrics.ConsumerStale])
}

func TestInvalidEventsAreRejectedAndAcked(t *testing.T) {
	now := time.Now().UTC()
	negative := stockEvent("S1", -1, 0, now)
	noStore := stockEvent("", 1, 0, now)
	badKind := stockEvent("S1", 1, 0, now)
	badKind.Kind = "TRANSFER"
	noTimestamp := stockEvent("S1", 1, 0, time.Time{})

	cases := map[string][]byte{
		"malformed json":   []byte(`{"eventId":`),
		"negative newQty":  marshal(t, negative),
		"missing storeId":  marshal(t, noStore),
		"unknown kind":     marshal(t, badKind),
		"zero timestamp":   marshal(t, noTimestamp),
		"non-uuid eventId": []byte(`{"eventId":"abc","productId":"P1","storeId":"S1","kind":"UPDATE","newQty":1,"reservedQty":0,"timestamp":"2024-06-01T08:00:00Z"}`),
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			store := newMemoryStore()
			processor, _, _ := newTestProcessor(store)

			result, err := processor.Process(context.Background(), payload)
			require.NoError(t, err)
			require.Equal(t, StateRejected, result.State)
			require.True(t, result.State.Acked())
			require.NotEmpty(t, result.Reason)
			require.Empty(t, store.projections)
		})
	}
}

func TestApplyFailureIsNotAcked(t *testing.T) {
	store := newMemoryStore()
	store.failSave = errors.New("connection reset")
	processor, _, m := newTestProcessor(store)

	msg := &messaging.Message{ID: "m-1", Key: "S1:P1", Payload: marshal(t, stockEvent("S1", 70, 30, time.Now().UTC()))}

	result, err := processor.Process(context.Background(), msg.Payload)
	require.Error(t, err)
	require.True(t, errors.Is(err, models.ErrConsumerApplyFailure))
	require.Equal(t, StateError, result.State)
	require.False(t, result.State.Acked())

	err = processor.Handle(context.Background(), msg)
	require.True(t, errors.Is(err, models.ErrConsumerApplyFailure))
	require.Equal(t, int64(2), m.GetCounters()[metrics.ConsumerErrors])
}

func TestHandleAcksRejectedMessages(t *testing.T) {
	processor, _, _ := newTestProcessor(newMemoryStore())
	require.NoError(t, processor.Handle(context.Background(), &messaging.Message{ID: "m-1", Payload: []byte("not json")}))
}

func TestCacheAndIndexFailuresDoNotBlockAck(t *testing.T) {
	store := newMemoryStore()
	cache := new(MockCache)
	indexer := new(MockIndexer)
	m := metrics.NewMetrics()
	processor := NewProcessor(NewAggregator(store, cache, indexer, m), m)

	event := stockEvent("S1", 70, 30, time.Now().UTC())
	cache.On("SetAggregate", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	indexer.On("IndexStockEvent", mock.Anything, mock.MatchedBy(func(e *models.DomainEvent) bool {
		return e.EventID == event.EventID
	})).Return(errors.New("es down")).Once()

	result, err := processor.Process(context.Background(), marshal(t, event))
	require.NoError(t, err)
	require.Equal(t, StateAcknowledged, result.State)
	cache.AssertExpectations(t)
	indexer.AssertExpectations(t)
}

func TestGetAggregateReadsThroughCache(t *testing.T) {
	store := newMemoryStore()
	cache := new(MockCache)
	aggregator := NewAggregator(store, cache, nil, metrics.NewMetrics())
	ctx := context.Background()

	cached := &models.CentralAggregate{ProductID: "P1", TotalOnHand: 5}
	cache.On("GetAggregate", mock.Anything, "P1").Return(cached, nil).Once()
	got, err := aggregator.GetAggregate(ctx, "P1")
	require.NoError(t, err)
	require.Same(t, cached, got)

	cache.On("GetAggregate", mock.Anything, "P2").Return(nil, errors.New("cache miss")).Once()
	_, err = aggregator.GetAggregate(ctx, "P2")
	require.True(t, errors.Is(err, models.ErrNotFound))

	_, err = aggregator.GetAggregate(ctx, "")
	require.True(t, errors.Is(err, models.ErrInvalidArgument))
	cache.AssertExpectations(t)
}
