package dlq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const defaultBucket = "failed_publications"

// BoltStore keeps failed publications in an embedded BoltDB file, keyed by event id.
// It serves deployments that must keep buffering events while postgres is unreachable.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	now    func() time.Time
}

// OpenBoltStore opens (or creates) the BoltDB file and ensures the bucket exists
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create DLQ directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open DLQ bolt file")
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(defaultBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create DLQ bucket")
	}

	return &BoltStore{
		db:     db,
		bucket: []byte(defaultBucket),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create stores entry unless the event id is already present.
// Check and insert run in the same write transaction.
func (s *BoltStore) Create(ctx context.Context, entry *models.FailedPublication) (bool, error) {
	if s == nil || s.db == nil {
		return false, bolt.ErrDatabaseNotOpen
	}

	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		key := []byte(entry.EventID)
		if bucket.Get(key) != nil {
			return nil
		}

		now := s.now()
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now

		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		created = true
		return bucket.Put(key, payload)
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to create failed publication")
	}
	return created, nil
}

// FindByEventID returns the entry for an event or ErrNotFound
func (s *BoltStore) FindByEventID(ctx context.Context, eventID string) (*models.FailedPublication, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}

	var entry *models.FailedPublication
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(eventID))
		if data == nil {
			return nil
		}
		entry = &models.FailedPublication{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get failed publication")
	}
	if entry == nil {
		return nil, errors.Wrapf(models.ErrNotFound, "failed publication %s", eventID)
	}
	return entry, nil
}

// FindDue returns pending entries whose next retry is at or before now, oldest first
func (s *BoltStore) FindDue(ctx context.Context, now time.Time, limit int) ([]models.FailedPublication, error) {
	entries, err := s.scan(func(entry *models.FailedPublication) bool {
		return entry.IsDue(now)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NextRetryAt.Before(*entries[j].NextRetryAt)
	})
	return truncate(entries, limit), nil
}

// FindStaleProcessing returns entries stuck in PROCESSING since before cutoff
func (s *BoltStore) FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.FailedPublication, error) {
	entries, err := s.scan(func(entry *models.FailedPublication) bool {
		return entry.Status == models.StatusProcessing && entry.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
	})
	return truncate(entries, limit), nil
}

// Update persists entry if its stored version equals expectedVersion
func (s *BoltStore) Update(ctx context.Context, entry *models.FailedPublication, expectedVersion int64) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		key := []byte(entry.EventID)

		data := bucket.Get(key)
		if data == nil {
			return errors.Wrapf(models.ErrNotFound, "failed publication %s", entry.EventID)
		}
		var stored models.FailedPublication
		if err := json.Unmarshal(data, &stored); err != nil {
			return errors.Wrap(err, "failed to decode failed publication")
		}
		if stored.Version != expectedVersion {
			return errors.Wrapf(models.ErrConcurrentModification,
				"failed publication %s changed since version %d", entry.EventID, expectedVersion)
		}

		updated := *entry
		updated.Version = expectedVersion + 1
		updated.CreatedAt = stored.CreatedAt
		updated.UpdatedAt = s.now()

		payload, err := json.Marshal(&updated)
		if err != nil {
			return errors.Wrap(err, "failed to encode failed publication")
		}
		if err := bucket.Put(key, payload); err != nil {
			return errors.Wrap(err, "failed to update failed publication")
		}

		*entry = updated
		return nil
	})
}

// List pages through entries, newest first, optionally filtered by status
func (s *BoltStore) List(ctx context.Context, status models.PublicationStatus, limit, offset int) ([]models.FailedPublication, error) {
	entries, err := s.scan(func(entry *models.FailedPublication) bool {
		return status == "" || entry.Status == status
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if offset >= len(entries) {
		return []models.FailedPublication{}, nil
	}
	return truncate(entries[offset:], limit), nil
}

// CountByStatus returns the number of entries per status
func (s *BoltStore) CountByStatus(ctx context.Context) (map[models.PublicationStatus]int64, error) {
	entries, err := s.scan(func(*models.FailedPublication) bool { return true })
	if err != nil {
		return nil, err
	}

	counts := make(map[models.PublicationStatus]int64)
	for _, entry := range entries {
		counts[entry.Status]++
	}
	return counts, nil
}

// DeleteOlderThan removes entries in status created before cutoff
func (s *BoltStore) DeleteOlderThan(ctx context.Context, status models.PublicationStatus, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, bolt.ErrDatabaseNotOpen
	}

	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)

		// Collect first: deleting under a live cursor skips the following key.
		var keys [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry models.FailedPublication
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.Status == status && entry.CreatedAt.Before(cutoff) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}

		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete failed publications")
	}
	return deleted, nil
}

// Close closes the Bolt database
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) scan(match func(*models.FailedPublication) bool) ([]models.FailedPublication, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}

	var entries []models.FailedPublication
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(_, v []byte) error {
			var entry models.FailedPublication
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if match(&entry) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan failed publications")
	}
	return entries, nil
}

func truncate(entries []models.FailedPublication, limit int) []models.FailedPublication {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
