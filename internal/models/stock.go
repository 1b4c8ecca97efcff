package models

import (
	"time"

	"github.com/pkg/errors"
)

// StockRecord is the quantity of one product held at one store.
// Reserved units have already left OnHand; Available is what can still be reserved.
type StockRecord struct {
	ProductID string    `gorm:"primaryKey;size:64" json:"productId"`
	StoreID   string    `gorm:"primaryKey;size:64" json:"storeId"`
	OnHand    int       `gorm:"not null;default:0" json:"onHand"`
	Reserved  int       `gorm:"not null;default:0" json:"reserved"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (StockRecord) TableName() string {
	return "stock_records"
}

// Available returns the quantity that can still be reserved.
func (s *StockRecord) Available() int {
	return s.OnHand - s.Reserved
}

// Reserve moves qty units from the free pool into the holding area.
func (s *StockRecord) Reserve(qty int) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "reserve quantity must be positive, got %d", qty)
	}
	if available := s.Available(); available < qty {
		return errors.Wrapf(ErrInsufficientStock, "requested %d, available %d", qty, available)
	}
	s.OnHand -= qty
	s.Reserved += qty
	return nil
}

// Commit finalizes qty reserved units as sold. OnHand already reflects the sale.
func (s *StockRecord) Commit(qty int) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "commit quantity must be positive, got %d", qty)
	}
	if s.Reserved < qty {
		return errors.Wrapf(ErrInsufficientReserved, "requested %d, reserved %d", qty, s.Reserved)
	}
	s.Reserved -= qty
	return nil
}

// Cancel returns qty reserved units to the free pool.
func (s *StockRecord) Cancel(qty int) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "cancel quantity must be positive, got %d", qty)
	}
	if s.Reserved < qty {
		return errors.Wrapf(ErrInsufficientReserved, "requested %d, reserved %d", qty, s.Reserved)
	}
	s.Reserved -= qty
	s.OnHand += qty
	return nil
}

// SetOnHand overwrites OnHand with an absolute count. Reserved is left alone.
func (s *StockRecord) SetOnHand(qty int) error {
	if qty < 0 {
		return errors.Wrapf(ErrInvalidArgument, "on-hand quantity must not be negative, got %d", qty)
	}
	s.OnHand = qty
	return nil
}

// Restock adds qty received units to OnHand.
func (s *StockRecord) Restock(qty int) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "restock quantity must be positive, got %d", qty)
	}
	s.OnHand += qty
	return nil
}

// Deactivate retires the record. Records with open reservations cannot be retired.
func (s *StockRecord) Deactivate() error {
	if !s.Active {
		return errors.Wrap(ErrInvalidArgument, "stock record is already inactive")
	}
	if s.Reserved > 0 {
		return errors.Wrapf(ErrInvalidArgument, "stock record has %d reserved units outstanding", s.Reserved)
	}
	s.Active = false
	return nil
}

// Reactivate brings a retired record back with a fresh on-hand quantity
func (s *StockRecord) Reactivate(onHand int) error {
	if s.Active {
		return errors.Wrap(ErrInvalidArgument, "stock record is already active")
	}
	if onHand < 0 {
		return errors.Wrapf(ErrInvalidArgument, "on-hand quantity must not be negative, got %d", onHand)
	}
	s.Active = true
	s.OnHand = onHand
	s.Reserved = 0
	return nil
}

// OperationResult is returned to callers of the stock service.
type OperationResult struct {
	Success   bool   `json:"success"`
	ProductID string `json:"productId"`
	StoreID   string `json:"storeId"`
	OnHand    int    `json:"onHand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	Message   string `json:"message"`
	EventID   string `json:"eventId,omitempty"`
}

// NewOperationResult snapshots the record quantities into a result.
func NewOperationResult(record *StockRecord, success bool, message string) *OperationResult {
	return &OperationResult{
		Success:   success,
		ProductID: record.ProductID,
		StoreID:   record.StoreID,
		OnHand:    record.OnHand,
		Reserved:  record.Reserved,
		Available: record.Available(),
		Message:   message,
	}
}
