package publisher

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/stocksync/internal/dlq"
	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config controls delivery of domain events to the broker
type Config struct {
	Topic       string
	MaxAttempts int
	RetryDelay  time.Duration
	SendTimeout time.Duration
	Workers     int
	QueueSize   int
	DLQEnabled  bool
	MaxRetries  int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = models.DefaultMaxRetries
	}
}

// Publisher delivers domain events and parks undeliverable ones in the DLQ
// so a broker outage never fails the write that produced them.
type Publisher struct {
	broker  messaging.Broker
	store   dlq.Store
	backoff *dlq.Backoff
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	lanes   []*lane
	pending int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// lane is an unbounded FIFO drained by exactly one worker. Every event of a
// partition key goes through the same lane, so per-key order is preserved.
type lane struct {
	mu     sync.Mutex
	events []*models.DomainEvent
	signal chan struct{}
}

func (l *lane) push(event *models.DomainEvent) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *lane) drain() []*models.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.events
	l.events = nil
	return batch
}

// New creates a publisher and starts its async workers.
// store may be nil when the DLQ is disabled.
func New(broker messaging.Broker, store dlq.Store, backoff *dlq.Backoff, cfg Config, m *metrics.Metrics) *Publisher {
	cfg.applyDefaults()
	if store == nil {
		cfg.DLQEnabled = false
	}
	if backoff == nil {
		backoff = dlq.NewBackoff(dlq.DefaultBaseDelay, dlq.DefaultMaxDelay)
	}

	p := &Publisher{
		broker:  broker,
		store:   store,
		backoff: backoff,
		cfg:     cfg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		lanes:   make([]*lane, cfg.Workers),
		done:    make(chan struct{}),
	}

	for i := range p.lanes {
		p.lanes[i] = &lane{signal: make(chan struct{}, 1)}
		p.wg.Add(1)
		go p.worker(p.lanes[i])
	}

	log.Info().
		Str("topic", cfg.Topic).
		Int("workers", cfg.Workers).
		Bool("dlq_enabled", cfg.DLQEnabled).
		Msg("Started event publisher")
	return p
}

// PublishSync delivers event before returning. With the DLQ enabled a broker
// failure is parked and nil is returned; otherwise ErrPublishFailure is returned.
func (p *Publisher) PublishSync(ctx context.Context, event *models.DomainEvent) error {
	return p.publish(ctx, event)
}

// PublishAsync queues event on the lane of its partition key and returns
// immediately. Events sharing a key are delivered in call order.
func (p *Publisher) PublishAsync(event *models.DomainEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		log.Warn().Str("event_id", event.EventID).Msg("Publisher closed, delivering event on a detached goroutine")
		go p.deliverAsync(event)
		return
	}

	depth := atomic.AddInt64(&p.pending, 1)
	p.metrics.SetGauge(metrics.PublishQueueDepth, depth)
	if depth > int64(p.cfg.QueueSize) {
		log.Warn().Int64("depth", depth).Int("queue_size", p.cfg.QueueSize).Msg("Publish backlog above queue size")
	}
	p.laneFor(event.PartitionKey()).push(event)
}

func (p *Publisher) laneFor(key string) *lane {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.lanes[h.Sum32()%uint32(len(p.lanes))]
}

// Close stops accepting queued events and waits until every lane is drained
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("Event publisher stopped")
}

func (p *Publisher) worker(l *lane) {
	defer p.wg.Done()
	for {
		batch := l.drain()
		for _, event := range batch {
			p.deliverAsync(event)
			p.metrics.SetGauge(metrics.PublishQueueDepth, atomic.AddInt64(&p.pending, -1))
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.signal:
		case <-p.done:
			// nothing is pushed once closed, so one more drain empties the lane
			for _, event := range l.drain() {
				p.deliverAsync(event)
				p.metrics.SetGauge(metrics.PublishQueueDepth, atomic.AddInt64(&p.pending, -1))
			}
			return
		}
	}
}

func (p *Publisher) deliverAsync(event *models.DomainEvent) {
	if err := p.publish(context.Background(), event); err != nil {
		p.metrics.IncrementCounter(metrics.PublishDropped)
		log.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("partition_key", event.PartitionKey()).
			Msg("Dropping event after failed delivery")
	}
}

func (p *Publisher) publish(ctx context.Context, event *models.DomainEvent) error {
	start := time.Now()
	defer p.metrics.Since(metrics.PublishTime, start)

	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	key := event.PartitionKey()

	lastErr := p.sendWithRetry(ctx, key, payload)
	if lastErr == nil {
		p.metrics.IncrementCounter(metrics.PublishDelivered)
		log.Debug().Str("event_id", event.EventID).Str("partition_key", key).Msg("Event published")
		return nil
	}

	if !p.cfg.DLQEnabled {
		return errors.Wrapf(models.ErrPublishFailure, "event %s after %d attempts: %v", event.EventID, p.cfg.MaxAttempts, lastErr)
	}
	return p.park(ctx, event, key, payload, lastErr)
}

// sendWithRetry makes up to MaxAttempts sends spaced by RetryDelay
func (p *Publisher) sendWithRetry(ctx context.Context, key string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		p.metrics.IncrementCounter(metrics.PublishAttempts)

		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		lastErr = p.broker.Send(sendCtx, p.cfg.Topic, key, payload)
		cancel()
		if lastErr == nil {
			return nil
		}

		log.Warn().
			Err(lastErr).
			Str("partition_key", key).
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.MaxAttempts).
			Msg("Event delivery attempt failed")

		if attempt < p.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), lastErr.Error())
			case <-time.After(p.cfg.RetryDelay):
			}
		}
	}
	return lastErr
}

// park stores the event as a PENDING failed publication.
// The write is detached from ctx so a cancelled caller cannot lose the event.
func (p *Publisher) park(ctx context.Context, event *models.DomainEvent, key string, payload []byte, cause error) error {
	now := p.now()
	next := p.backoff.Next(now, 1)
	entry := &models.FailedPublication{
		EventID:      event.EventID,
		EventKind:    event.Kind,
		Topic:        p.cfg.Topic,
		PartitionKey: key,
		Payload:      string(payload),
		RetryCount:   1,
		MaxRetries:   p.cfg.MaxRetries,
		LastError:    cause.Error(),
		Status:       models.StatusPending,
		NextRetryAt:  &next,
		LastRetryAt:  &now,
		CreatedAt:    now,
	}

	created, err := p.store.Create(context.WithoutCancel(ctx), entry)
	if err != nil {
		return errors.Wrapf(models.ErrPublishFailure, "event %s: broker: %v; dlq: %v", event.EventID, cause, err)
	}
	if !created {
		p.metrics.IncrementCounter(metrics.PublishDLQDedup)
		log.Info().Str("event_id", event.EventID).Msg("Event already parked in DLQ")
		return nil
	}

	p.metrics.IncrementCounter(metrics.PublishDLQ)
	log.Warn().
		Str("event_id", event.EventID).
		Str("partition_key", key).
		Time("next_retry_at", next).
		Msg("Event parked in DLQ after failed delivery")
	return nil
}
