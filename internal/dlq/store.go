package dlq

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/internal/models"
)

// Store persists failed publications.
// Update is a compare-and-swap on Version and bumps entry.Version on success.
type Store interface {
	Create(ctx context.Context, entry *models.FailedPublication) (bool, error)
	FindByEventID(ctx context.Context, eventID string) (*models.FailedPublication, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.FailedPublication, error)
	FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.FailedPublication, error)
	Update(ctx context.Context, entry *models.FailedPublication, expectedVersion int64) error
	List(ctx context.Context, status models.PublicationStatus, limit, offset int) ([]models.FailedPublication, error)
	CountByStatus(ctx context.Context) (map[models.PublicationStatus]int64, error)
	DeleteOlderThan(ctx context.Context, status models.PublicationStatus, cutoff time.Time) (int64, error)
}
