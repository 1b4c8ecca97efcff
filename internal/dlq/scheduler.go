package dlq

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SchedulerConfig controls the retry and housekeeping jobs
type SchedulerConfig struct {
	RetryInterval      time.Duration
	CleanupInterval    time.Duration
	BatchSize          int
	SendTimeout        time.Duration
	ProcessingLease    time.Duration
	SucceededRetention time.Duration
	FailedRetention    time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ProcessingLease <= 0 {
		c.ProcessingLease = 10 * time.Minute
	}
	if c.SucceededRetention <= 0 {
		c.SucceededRetention = 30 * 24 * time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 90 * 24 * time.Hour
	}
}

// RunSummary reports what one retry pass did
type RunSummary struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

// Stats is the per-status view exposed to operators
type Stats struct {
	Counts map[models.PublicationStatus]int64 `json:"counts"`
	Total  int64                              `json:"total"`
}

// Scheduler resends failed publications through the broker
type Scheduler struct {
	store   Store
	broker  messaging.Broker
	backoff *Backoff
	cfg     SchedulerConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewScheduler creates a new retry scheduler
func NewScheduler(store Store, broker messaging.Broker, backoff *Backoff, cfg SchedulerConfig, m *metrics.Metrics) *Scheduler {
	cfg.applyDefaults()
	if backoff == nil {
		backoff = NewBackoff(DefaultBaseDelay, DefaultMaxDelay)
	}
	return &Scheduler{
		store:   store,
		broker:  broker,
		backoff: backoff,
		cfg:     cfg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the retry and cleanup jobs until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create DLQ scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.RetryInterval),
		gocron.NewTask(func() {
			if _, err := s.ReleaseStale(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to release stale DLQ entries")
			}
			if _, err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("DLQ retry run failed")
			}
		}),
		gocron.WithName("dlq-retry"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule DLQ retry job")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.CleanupInterval),
		gocron.NewTask(func() {
			if _, err := s.Cleanup(ctx); err != nil {
				log.Error().Err(err).Msg("DLQ cleanup failed")
			}
		}),
		gocron.WithName("dlq-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule DLQ cleanup job")
	}

	log.Info().
		Dur("retry_interval", s.cfg.RetryInterval).
		Dur("cleanup_interval", s.cfg.CleanupInterval).
		Msg("Starting DLQ retry scheduler")
	scheduler.Start()

	<-ctx.Done()

	log.Info().Msg("Stopping DLQ retry scheduler")
	return scheduler.Shutdown()
}

// RunOnce retries every entry that is due now
func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	defer s.metrics.Since(metrics.DLQRunTime, start)

	var summary RunSummary
	due, err := s.store.FindDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return summary, errors.Wrap(err, "failed to load due publications")
	}
	summary.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			break
		}

		entry := due[i]
		outcome, err := s.retry(ctx, &entry)
		if err != nil {
			log.Error().Err(err).Str("event_id", entry.EventID).Msg("Failed to record DLQ retry outcome")
			continue
		}
		switch outcome {
		case models.StatusSucceeded:
			summary.Succeeded++
		case models.StatusFailed:
			summary.Exhausted++
		case models.StatusPending:
			summary.Retrying++
		default:
			summary.Skipped++
		}
	}

	if summary.Due > 0 {
		log.Info().
			Int("due", summary.Due).
			Int("succeeded", summary.Succeeded).
			Int("retrying", summary.Retrying).
			Int("exhausted", summary.Exhausted).
			Int("skipped", summary.Skipped).
			Msg("DLQ retry run completed")
	}
	s.refreshGauges(ctx)
	return summary, nil
}

// retry claims entry, resends it and records the outcome.
// An entry claimed by someone else is skipped and reported as PROCESSING.
func (s *Scheduler) retry(ctx context.Context, entry *models.FailedPublication) (models.PublicationStatus, error) {
	entry.Status = models.StatusProcessing
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		if errors.Is(err, models.ErrConcurrentModification) {
			s.metrics.IncrementCounter(metrics.DLQClaimLost)
			log.Debug().Str("event_id", entry.EventID).Msg("DLQ entry claimed elsewhere, skipping")
			return models.StatusProcessing, nil
		}
		return "", err
	}

	s.metrics.IncrementCounter(metrics.DLQRetried)
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	sendErr := s.broker.Send(sendCtx, entry.Topic, entry.PartitionKey, []byte(entry.Payload))
	cancel()

	now := s.now()
	entry.LastRetryAt = &now
	if sendErr == nil {
		entry.Status = models.StatusSucceeded
		entry.NextRetryAt = nil
		entry.LastError = ""
		s.metrics.IncrementCounter(metrics.DLQSucceeded)
		log.Info().
			Str("event_id", entry.EventID).
			Int("retry_count", entry.RetryCount).
			Msg("DLQ entry redelivered")
	} else {
		entry.RetryCount++
		entry.LastError = sendErr.Error()
		if entry.Exhausted() {
			entry.Status = models.StatusFailed
			entry.NextRetryAt = nil
			s.metrics.IncrementCounter(metrics.DLQExhausted)
			log.Error().
				Err(errors.Wrapf(models.ErrRetryExhausted, "after %d attempts: %v", entry.RetryCount, sendErr)).
				Str("event_id", entry.EventID).
				Str("partition_key", entry.PartitionKey).
				Msg("DLQ entry exhausted its retries, operator action required")
		} else {
			next := s.backoff.Next(now, entry.RetryCount)
			entry.Status = models.StatusPending
			entry.NextRetryAt = &next
			log.Warn().
				Err(sendErr).
				Str("event_id", entry.EventID).
				Int("retry_count", entry.RetryCount).
				Time("next_retry_at", next).
				Msg("DLQ redelivery failed, rescheduled")
		}
	}

	// the claim is already written, so the outcome must land even on shutdown
	if err := s.store.Update(context.WithoutCancel(ctx), entry, entry.Version); err != nil {
		return "", err
	}
	return entry.Status, nil
}

// ForceRetry revives a FAILED or PENDING entry and retries it immediately.
// RetryCount is kept; an exhausted entry is granted exactly one more attempt.
// The retry runs to completion even if ctx is cancelled, so the entry never
// stays PROCESSING after the caller goes away.
func (s *Scheduler) ForceRetry(ctx context.Context, eventID string) (*models.FailedPublication, error) {
	ctx = context.WithoutCancel(ctx)
	entry, err := s.store.FindByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case models.StatusProcessing:
		return entry, errors.Wrapf(models.ErrConcurrentModification, "failed publication %s is being retried", eventID)
	case models.StatusSucceeded, models.StatusCancelled:
		return entry, errors.Wrapf(models.ErrInvalidArgument, "failed publication %s is %s", eventID, entry.Status)
	}

	now := s.now()
	entry.Status = models.StatusPending
	entry.NextRetryAt = &now
	if entry.Exhausted() {
		entry.MaxRetries = entry.RetryCount + 1
	}
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return entry, err
	}

	log.Info().Str("event_id", eventID).Int("retry_count", entry.RetryCount).Msg("Forcing DLQ retry")
	if _, err := s.retry(ctx, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// Cancel stops all further retries of an entry
func (s *Scheduler) Cancel(ctx context.Context, eventID string) (*models.FailedPublication, error) {
	entry, err := s.store.FindByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case models.StatusProcessing:
		return entry, errors.Wrapf(models.ErrConcurrentModification, "failed publication %s is being retried", eventID)
	case models.StatusSucceeded, models.StatusCancelled:
		return entry, errors.Wrapf(models.ErrInvalidArgument, "failed publication %s is %s", eventID, entry.Status)
	}

	entry.Status = models.StatusCancelled
	entry.NextRetryAt = nil
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return entry, err
	}

	log.Info().Str("event_id", eventID).Msg("DLQ entry cancelled")
	return entry, nil
}

// ReleaseStale returns entries left in PROCESSING by a crashed run to PENDING
func (s *Scheduler) ReleaseStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.FindStaleProcessing(ctx, now.Add(-s.cfg.ProcessingLease), s.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load stale publications")
	}

	released := 0
	for i := range stale {
		entry := stale[i]
		entry.Status = models.StatusPending
		entry.NextRetryAt = &now
		if err := s.store.Update(ctx, &entry, entry.Version); err != nil {
			if errors.Is(err, models.ErrConcurrentModification) {
				continue
			}
			return released, err
		}
		released++
	}

	if released > 0 {
		s.metrics.IncrementCounterBy(metrics.DLQReleased, int64(released))
		log.Warn().Int("released", released).Msg("Released stale DLQ entries")
	}
	return released, nil
}

// Cleanup removes old SUCCEEDED and FAILED entries
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	now := s.now()

	succeeded, err := s.store.DeleteOlderThan(ctx, models.StatusSucceeded, now.Add(-s.cfg.SucceededRetention))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up succeeded publications")
	}
	failed, err := s.store.DeleteOlderThan(ctx, models.StatusFailed, now.Add(-s.cfg.FailedRetention))
	if err != nil {
		return succeeded, errors.Wrap(err, "failed to clean up failed publications")
	}

	total := succeeded + failed
	s.metrics.IncrementCounterBy(metrics.DLQCleaned, total)
	log.Info().Int64("succeeded", succeeded).Int64("failed", failed).Msg("DLQ cleanup completed")
	return total, nil
}

// Stats returns per-status counts
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Counts: make(map[models.PublicationStatus]int64, len(models.AllStatuses))}
	for _, status := range models.AllStatuses {
		stats.Counts[status] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}

// List pages through entries, optionally filtered by status
func (s *Scheduler) List(ctx context.Context, status models.PublicationStatus, limit, offset int) ([]models.FailedPublication, error) {
	if status != "" && !status.Valid() {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, status, limit, offset)
}

// Get returns one entry with its retry history fields
func (s *Scheduler) Get(ctx context.Context, eventID string) (*models.FailedPublication, error) {
	return s.store.FindByEventID(ctx, eventID)
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	s.metrics.SetGauge(metrics.DLQPendingGauge, counts[models.StatusPending])
	s.metrics.SetGauge(metrics.DLQFailedGauge, counts[models.StatusFailed])
}
