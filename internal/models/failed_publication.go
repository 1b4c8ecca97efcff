package models

import "time"

// PublicationStatus is the lifecycle state of a FailedPublication
type PublicationStatus string

const (
	StatusPending    PublicationStatus = "PENDING"
	StatusProcessing PublicationStatus = "PROCESSING"
	StatusSucceeded  PublicationStatus = "SUCCEEDED"
	StatusFailed     PublicationStatus = "FAILED"
	StatusCancelled  PublicationStatus = "CANCELLED"
)

// AllStatuses lists statuses in lifecycle order
var AllStatuses = []PublicationStatus{
	StatusPending, StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled,
}

// Terminal reports whether no further automatic retry will happen
func (s PublicationStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s PublicationStatus) Valid() bool {
	for _, status := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultMaxRetries is used when no limit is configured
const DefaultMaxRetries = 10

// FailedPublication is a DLQ entry holding an event the broker did not accept.
// NextRetryAt is nil whenever Status is terminal.
type FailedPublication struct {
	EventID      string            `gorm:"primaryKey;size:64" json:"eventId"`
	EventKind    EventKind         `gorm:"size:16;not null" json:"eventKind"`
	Topic        string            `gorm:"size:255;not null" json:"topic"`
	PartitionKey string            `gorm:"size:160;not null;index" json:"partitionKey"`
	Payload      string            `gorm:"type:text;not null" json:"payload"`
	RetryCount   int               `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries   int               `gorm:"not null;default:10" json:"maxRetries"`
	LastError    string            `gorm:"type:text" json:"lastError,omitempty"`
	Status       PublicationStatus `gorm:"size:16;not null;index:idx_failed_publications_due,priority:1" json:"status"`
	NextRetryAt  *time.Time        `gorm:"index:idx_failed_publications_due,priority:2" json:"nextRetryAt,omitempty"`
	LastRetryAt  *time.Time        `json:"lastRetryAt,omitempty"`
	Version      int64             `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time         `gorm:"index" json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func (FailedPublication) TableName() string {
	return "failed_publications"
}

// Exhausted reports whether the entry has used all of its attempts
func (f *FailedPublication) Exhausted() bool {
	return f.RetryCount >= f.MaxRetries
}

// IsDue reports whether the retry scheduler should pick the entry up at now
func (f *FailedPublication) IsDue(now time.Time) bool {
	return f.Status == StatusPending &&
		!f.Exhausted() &&
		f.NextRetryAt != nil &&
		!f.NextRetryAt.After(now)
}
