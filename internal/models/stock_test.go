package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newRecord(onHand, reserved int) *StockRecord {
	return &StockRecord{ProductID: "P1", StoreID: "S1", OnHand: onHand, Reserved: reserved, Active: true}
}

func TestReserveThenCancelRestoresRecord(t *testing.T) {
	for _, qty := range []int{1, 17, 100} {
		record := newRecord(100, 5)
		require.NoError(t, record.Reserve(qty))
		require.NoError(t, record.Cancel(qty))
		require.Equal(t, 100, record.OnHand)
		require.Equal(t, 5, record.Reserved)
	}
}

func TestReserveThenCommit(t *testing.T) {
	record := newRecord(100, 0)
	require.NoError(t, record.Reserve(30))
	require.Equal(t, 70, record.OnHand)
	require.Equal(t, 30, record.Reserved)
	require.Equal(t, 40, record.Available())

	require.NoError(t, record.Commit(30))
	require.Equal(t, 70, record.OnHand)
	require.Equal(t, 0, record.Reserved)
}

func TestReserveInsufficientStockLeavesRecordUntouched(t *testing.T) {
	record := newRecord(10, 4)

	err := record.Reserve(7)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInsufficientStock))
	require.Contains(t, err.Error(), "available 6")
	require.Equal(t, 10, record.OnHand)
	require.Equal(t, 4, record.Reserved)
}

func TestTransitionsRejectNonPositiveQuantities(t *testing.T) {
	record := newRecord(10, 5)

	require.True(t, errors.Is(record.Reserve(0), ErrInvalidArgument))
	require.True(t, errors.Is(record.Commit(-1), ErrInvalidArgument))
	require.True(t, errors.Is(record.Cancel(0), ErrInvalidArgument))
	require.True(t, errors.Is(record.Restock(0), ErrInvalidArgument))
	require.True(t, errors.Is(record.SetOnHand(-3), ErrInvalidArgument))
	require.Equal(t, 10, record.OnHand)
	require.Equal(t, 5, record.Reserved)
}

func TestCommitAndCancelRequireReservedUnits(t *testing.T) {
	record := newRecord(10, 2)

	require.True(t, errors.Is(record.Commit(3), ErrInsufficientReserved))
	require.True(t, errors.Is(record.Cancel(3), ErrInsufficientReserved))
	require.Equal(t, 2, record.Reserved)
}

func TestSetOnHandKeepsReserved(t *testing.T) {
	record := newRecord(10, 8)
	require.NoError(t, record.SetOnHand(3))
	require.Equal(t, 3, record.OnHand)
	require.Equal(t, 8, record.Reserved)
	require.Equal(t, -5, record.Available())

	err := record.Reserve(1)
	require.True(t, errors.Is(err, ErrInsufficientStock))
}

func TestDeactivate(t *testing.T) {
	record := newRecord(10, 2)
	require.True(t, errors.Is(record.Deactivate(), ErrInvalidArgument))

	require.NoError(t, record.Commit(2))
	require.NoError(t, record.Deactivate())
	require.False(t, record.Active)
	require.True(t, errors.Is(record.Deactivate(), ErrInvalidArgument))
}

func TestReactivate(t *testing.T) {
	record := newRecord(10, 0)
	require.True(t, errors.Is(record.Reactivate(5), ErrInvalidArgument))

	require.NoError(t, record.Deactivate())
	require.True(t, errors.Is(record.Reactivate(-1), ErrInvalidArgument))
	require.NoError(t, record.Reactivate(5))
	require.True(t, record.Active)
	require.Equal(t, 5, record.OnHand)
}

func TestDomainEventWireFormat(t *testing.T) {
	before := newRecord(100, 0)
	after := newRecord(70, 30)
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	event := NewDomainEvent(EventReserve, before, after, "checkout", at)
	require.Equal(t, "S1:P1", event.PartitionKey())

	data, err := event.Marshal()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, event.EventID, raw["eventId"])
	require.Equal(t, "RESERVE", raw["kind"])
	require.Equal(t, float64(100), raw["previousQty"])
	require.Equal(t, float64(70), raw["newQty"])
	require.Equal(t, float64(30), raw["reservedQty"])
	require.Equal(t, "2024-05-01T10:30:00Z", raw["timestamp"])
}

func TestUnmarshalDomainEventIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"eventId":"9b2f7c56-2f7e-4a55-9d59-3c1f4b8e0a11","productId":"P1","storeId":"S1",
		"kind":"UPDATE","previousQty":1,"newQty":2,"reservedQty":0,"timestamp":"2024-05-01T10:30:00Z",
		"schemaVersion":3}`)

	event, err := UnmarshalDomainEvent(data)
	require.NoError(t, err)
	require.Equal(t, EventUpdate, event.Kind)
	require.Equal(t, 2, event.NewQty)

	_, err = UnmarshalDomainEvent([]byte(`{not json`))
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestFailedPublicationIsDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	entry := &FailedPublication{Status: StatusPending, RetryCount: 1, MaxRetries: 10, NextRetryAt: &past}
	require.True(t, entry.IsDue(now))

	entry.NextRetryAt = &future
	require.False(t, entry.IsDue(now))

	entry.NextRetryAt = &past
	entry.RetryCount = 10
	require.False(t, entry.IsDue(now))

	entry.RetryCount = 1
	entry.Status = StatusProcessing
	require.False(t, entry.IsDue(now))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(errors.Wrap(ErrConcurrentModification, "save")))
	require.True(t, IsRetryable(ErrConsumerApplyFailure))
	require.False(t, IsRetryable(ErrInsufficientStock))
	require.True(t, IsBusinessRule(errors.Wrap(ErrInsufficientReserved, "commit")))
}
