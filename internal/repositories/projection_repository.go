package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProjectionRepository stores per-store projections and central aggregates
type ProjectionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewProjectionRepository creates a new projection repository
func NewProjectionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ProjectionRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &ProjectionRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// UpsertStoreProjection writes the absolute quantities of a store projection.
// Rows already holding a newer event are left alone and false is returned.
func (r *ProjectionRepository) UpsertStoreProjection(ctx context.Context, projection *models.StoreProjection) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "product_id"}, {Name: "store_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"on_hand", "reserved", "synchronized", "last_event_id", "last_event_at", "updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "store_projections.last_event_at <= excluded.last_event_at"},
			}},
		}).
		Create(projection)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to upsert store projection")
	}
	return result.RowsAffected > 0, nil
}

// RecomputeAggregate sums every store projection of a product and saves the
// result as its central aggregate. A transaction-scoped advisory lock on the
// product id serializes concurrent recomputes, so the last save always
// reflects every committed projection.
func (r *ProjectionRepository) RecomputeAggregate(ctx context.Context, productID string, now time.Time) (*models.CentralAggregate, error) {
	var aggregate *models.CentralAggregate
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", productID).Error; err != nil {
			return errors.Wrap(err, "failed to lock product aggregate")
		}

		totals, err := sumByProduct(tx, productID)
		if err != nil {
			return err
		}

		aggregate = models.NewCentralAggregate(productID, totals, now)
		return saveAggregate(tx, aggregate)
	})
	if err != nil {
		return nil, err
	}
	return aggregate, nil
}

// sumByProduct totals every store projection of a product. It runs on the
// write database so the sum sees the upsert that preceded it.
func sumByProduct(db *gorm.DB, productID string) (models.ProjectionTotals, error) {
	var totals models.ProjectionTotals
	err := db.
		Model(&models.StoreProjection{}).
		Select("COALESCE(SUM(on_hand), 0) AS total_on_hand, COALESCE(SUM(reserved), 0) AS total_reserved, COUNT(*) AS store_count").
		Where("product_id = ?", productID).
		Scan(&totals).Error
	if err != nil {
		return models.ProjectionTotals{}, errors.Wrap(err, "failed to sum store projections")
	}
	return totals, nil
}

// saveAggregate replaces the aggregate of a product and bumps its version
func saveAggregate(tx *gorm.DB, aggregate *models.CentralAggregate) error {
	aggregate.Version = 1
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_on_hand":  aggregate.TotalOnHand,
			"total_reserved": aggregate.TotalReserved,
			"available":      aggregate.Available,
			"store_count":    aggregate.StoreCount,
			"updated_at":     aggregate.UpdatedAt,
			"version":        gorm.Expr("central_aggregates.version + 1"),
		}),
	}).Create(aggregate).Error
	if err != nil {
		return errors.Wrap(err, "failed to save central aggregate")
	}

	if err := tx.Where("product_id = ?", aggregate.ProductID).First(aggregate).Error; err != nil {
		return errors.Wrap(err, "failed to reload central aggregate")
	}
	return nil
}

// GetAggregate loads the central aggregate of a product
func (r *ProjectionRepository) GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error) {
	var aggregate models.CentralAggregate
	err := r.readOnlyDB.WithContext(ctx).
		Where("product_id = ?", productID).
		First(&aggregate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(models.ErrNotFound, "no aggregate for product %s", productID)
		}
		return nil, errors.Wrap(err, "failed to get central aggregate")
	}
	return &aggregate, nil
}

// ListStoreProjections returns the projections feeding a product's aggregate
func (r *ProjectionRepository) ListStoreProjections(ctx context.Context, productID string) ([]models.StoreProjection, error) {
	var projections []models.StoreProjection
	err := r.readOnlyDB.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("store_id").
		Find(&projections).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list store projections")
	}
	return projections, nil
}
