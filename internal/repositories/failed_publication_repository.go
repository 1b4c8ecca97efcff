package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FailedPublicationRepository is the postgres-backed DLQ store
type FailedPublicationRepository struct {
	db *gorm.DB
}

// NewFailedPublicationRepository creates a new DLQ repository
func NewFailedPublicationRepository(db *gorm.DB) *FailedPublicationRepository {
	return &FailedPublicationRepository{db: db}
}

// Create inserts entry unless one with the same event id exists.
// The primary key on event_id makes the check and the insert one statement.
func (r *FailedPublicationRepository) Create(ctx context.Context, entry *models.FailedPublication) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(entry)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create failed publication")
	}
	return result.RowsAffected == 1, nil
}

// FindByEventID returns the entry for an event or ErrNotFound
func (r *FailedPublicationRepository) FindByEventID(ctx context.Context, eventID string) (*models.FailedPublication, error) {
	var entry models.FailedPublication
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(models.ErrNotFound, "failed publication %s", eventID)
		}
		return nil, errors.Wrap(err, "failed to get failed publication")
	}
	return &entry, nil
}

// FindDue returns pending entries whose next retry is at or before now, oldest first
func (r *FailedPublicationRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.FailedPublication, error) {
	var entries []models.FailedPublication
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries AND next_retry_at <= ?", models.StatusPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find due publications")
	}
	return entries, nil
}

// FindStaleProcessing returns entries stuck in PROCESSING since before cutoff
func (r *FailedPublicationRepository) FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.FailedPublication, error) {
	var entries []models.FailedPublication
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusProcessing, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stale publications")
	}
	return entries, nil
}

// Update persists entry if its stored version equals expectedVersion
func (r *FailedPublicationRepository) Update(ctx context.Context, entry *models.FailedPublication, expectedVersion int64) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.FailedPublication{}).
		Where("event_id = ? AND version = ?", entry.EventID, expectedVersion).
		Updates(map[string]interface{}{
			"retry_count":   entry.RetryCount,
			"max_retries":   entry.MaxRetries,
			"last_error":    entry.LastError,
			"status":        entry.Status,
			"next_retry_at": entry.NextRetryAt,
			"last_retry_at": entry.LastRetryAt,
			"version":       expectedVersion + 1,
			"updated_at":    now,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update failed publication")
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(models.ErrConcurrentModification,
			"failed publication %s changed since version %d", entry.EventID, expectedVersion)
	}

	entry.Version = expectedVersion + 1
	entry.UpdatedAt = now
	return nil
}

// List pages through entries, optionally filtered by status
func (r *FailedPublicationRepository) List(ctx context.Context, status models.PublicationStatus, limit, offset int) ([]models.FailedPublication, error) {
	query := r.db.WithContext(ctx).Model(&models.FailedPublication{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var entries []models.FailedPublication
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed publications")
	}
	return entries, nil
}

// CountByStatus returns the number of entries per status
func (r *FailedPublicationRepository) CountByStatus(ctx context.Context) (map[models.PublicationStatus]int64, error) {
	var rows []struct {
		Status models.PublicationStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.FailedPublication{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count failed publications")
	}

	counts := make(map[models.PublicationStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// DeleteOlderThan removes entries in status created before cutoff
func (r *FailedPublicationRepository) DeleteOlderThan(ctx context.Context, status models.PublicationStatus, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, cutoff).
		Delete(&models.FailedPublication{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete failed publications")
	}
	return result.RowsAffected, nil
}
