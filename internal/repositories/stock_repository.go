package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockRepository provides access to store stock records
type StockRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *gorm.DB, readOnlyDB *gorm.DB) *StockRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &StockRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Get loads the record for a product at a store from the write database,
// so the version it carries is the one the next Save will be checked against.
func (r *StockRepository) Get(ctx context.Context, productID, storeID string) (*models.StockRecord, error) {
	var record models.StockRecord
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND store_id = ?", productID, storeID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(models.ErrNotFound, "product %s at store %s", productID, storeID)
		}
		return nil, errors.Wrap(err, "failed to get stock record")
	}
	return &record, nil
}

// Create inserts a new record. It reports false when the record already exists.
func (r *StockRepository) Create(ctx context.Context, record *models.StockRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create stock record")
	}
	return result.RowsAffected == 1, nil
}

// Save writes record if the stored version still equals expectedVersion.
// A mismatch returns ErrConcurrentModification and nothing is written.
func (r *StockRepository) Save(ctx context.Context, record *models.StockRecord, expectedVersion int64) (*models.StockRecord, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.StockRecord{}).
		Where("product_id = ? AND store_id = ? AND version = ?", record.ProductID, record.StoreID, expectedVersion).
		Updates(map[string]interface{}{
			"on_hand":    record.OnHand,
			"reserved":   record.Reserved,
			"active":     record.Active,
			"version":    expectedVersion + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to save stock record")
	}
	if result.RowsAffected == 0 {
		return nil, errors.Wrapf(models.ErrConcurrentModification,
			"product %s at store %s changed since version %d", record.ProductID, record.StoreID, expectedVersion)
	}

	saved := *record
	saved.Version = expectedVersion + 1
	saved.UpdatedAt = now
	return &saved, nil
}

// SumOnHand totals OnHand across all active stores for a product
func (r *StockRepository) SumOnHand(ctx context.Context, productID string) (int, error) {
	return r.sum(ctx, "on_hand", productID)
}

// SumReserved totals Reserved across all active stores for a product
func (r *StockRepository) SumReserved(ctx context.Context, productID string) (int, error) {
	return r.sum(ctx, "reserved", productID)
}

func (r *StockRepository) sum(ctx context.Context, column, productID string) (int, error) {
	var total int
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.StockRecord{}).
		Select("COALESCE(SUM("+column+"), 0)").
		Where("product_id = ? AND active = ?", productID, true).
		Scan(&total).Error
	if err != nil {
		return 0, errors.Wrapf(err, "failed to sum %s", column)
	}
	return total, nil
}

// ListByProduct returns every store record of a product
func (r *StockRepository) ListByProduct(ctx context.Context, productID string) ([]models.StockRecord, error) {
	var records []models.StockRecord
	err := r.readOnlyDB.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("store_id").
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stock records")
	}
	return records, nil
}
