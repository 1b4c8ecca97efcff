package models

import "time"

// StoreProjection is the aggregator's replica of one store's stock for one product.
// It is only ever written with absolute values taken from a DomainEvent.
type StoreProjection struct {
	ProductID    string    `gorm:"primaryKey;size:64" json:"productId"`
	StoreID      string    `gorm:"primaryKey;size:64" json:"storeId"`
	OnHand       int       `gorm:"not null;default:0" json:"onHand"`
	Reserved     int       `gorm:"not null;default:0" json:"reserved"`
	Synchronized bool      `gorm:"not null;default:false" json:"synchronized"`
	LastEventID  string    `gorm:"size:64" json:"lastEventId"`
	LastEventAt  time.Time `json:"lastEventAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (StoreProjection) TableName() string {
	return "store_projections"
}

// NewStoreProjection converts an event into the projection row it describes
func NewStoreProjection(event *DomainEvent, now time.Time) *StoreProjection {
	return &StoreProjection{
		ProductID:    event.ProductID,
		StoreID:      event.StoreID,
		OnHand:       event.NewQty,
		Reserved:     event.ReservedQty,
		Synchronized: true,
		LastEventID:  event.EventID,
		LastEventAt:  event.Timestamp.UTC(),
		UpdatedAt:    now,
	}
}

// ProjectionTotals is the sum of all store projections of one product
type ProjectionTotals struct {
	TotalOnHand   int
	TotalReserved int
	StoreCount    int
}

// CentralAggregate is the store-agnostic rollup for a product.
// It is always recomputed from store projections, never adjusted by deltas.
type CentralAggregate struct {
	ProductID     string    `gorm:"primaryKey;size:64" json:"productId"`
	TotalOnHand   int       `gorm:"not null;default:0" json:"totalOnHand"`
	TotalReserved int       `gorm:"not null;default:0" json:"totalReserved"`
	Available     int       `gorm:"not null;default:0" json:"available"`
	StoreCount    int       `gorm:"not null;default:0" json:"storeCount"`
	Version       int64     `gorm:"not null;default:0" json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (CentralAggregate) TableName() string {
	return "central_aggregates"
}

// NewCentralAggregate derives the aggregate for productID from totals
func NewCentralAggregate(productID string, totals ProjectionTotals, now time.Time) *CentralAggregate {
	return &CentralAggregate{
		ProductID:     productID,
		TotalOnHand:   totals.TotalOnHand,
		TotalReserved: totals.TotalReserved,
		Available:     totals.TotalOnHand - totals.TotalReserved,
		StoreCount:    totals.StoreCount,
		UpdatedAt:     now,
	}
}
