package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventKind names the ledger transition a DomainEvent describes
type EventKind string

const (
	EventReserve EventKind = "RESERVE"
	EventCommit  EventKind = "COMMIT"
	EventCancel  EventKind = "CANCEL"
	EventUpdate  EventKind = "UPDATE"
	EventRestock EventKind = "RESTOCK"
)

// Valid reports whether k is one of the known kinds
func (k EventKind) Valid() bool {
	switch k {
	case EventReserve, EventCommit, EventCancel, EventUpdate, EventRestock:
		return true
	}
	return false
}

// DomainEvent describes one committed transition of a StockRecord.
// NewQty and ReservedQty are absolute values, so consumers can apply them idempotently.
type DomainEvent struct {
	EventID     string    `json:"eventId" validate:"required,uuid"`
	ProductID   string    `json:"productId" validate:"required,max=64"`
	StoreID     string    `json:"storeId" validate:"required,max=64"`
	Kind        EventKind `json:"kind" validate:"required,oneof=RESERVE COMMIT CANCEL UPDATE RESTOCK"`
	PreviousQty int       `json:"previousQty"`
	NewQty      int       `json:"newQty" validate:"gte=0"`
	ReservedQty int       `json:"reservedQty" validate:"gte=0"`
	Timestamp   time.Time `json:"timestamp"`
	Details     string    `json:"details,omitempty"`
}

// NewDomainEvent builds the event for a transition from before to after.
func NewDomainEvent(kind EventKind, before, after *StockRecord, details string, at time.Time) *DomainEvent {
	return &DomainEvent{
		EventID:     uuid.NewString(),
		ProductID:   after.ProductID,
		StoreID:     after.StoreID,
		Kind:        kind,
		PreviousQty: before.OnHand,
		NewQty:      after.OnHand,
		ReservedQty: after.Reserved,
		Timestamp:   at.UTC(),
		Details:     details,
	}
}

// PartitionKey routes all events of one product at one store to the same partition.
func (e *DomainEvent) PartitionKey() string {
	return PartitionKey(e.StoreID, e.ProductID)
}

// PartitionKey builds the "store:product" routing key.
func PartitionKey(storeID, productID string) string {
	return storeID + ":" + productID
}

// Marshal encodes the event in its wire format
func (e *DomainEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal domain event")
	}
	return data, nil
}

// UnmarshalDomainEvent decodes the wire format. Unknown fields are ignored.
func UnmarshalDomainEvent(data []byte) (*DomainEvent, error) {
	var event DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "malformed domain event: "+err.Error())
	}
	return &event, nil
}
