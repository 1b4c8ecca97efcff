package consumer

import (
	"context"
	"time"

	"example.com/backstage/services/stocksync/internal/messaging"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MessageState tracks a message through the consumer
type MessageState string

const (
	StateReceived     MessageState = "RECEIVED"
	StateValidated    MessageState = "VALIDATED"
	StateApplied      MessageState = "APPLIED"
	StateAcknowledged MessageState = "ACKNOWLEDGED"
	// StateRejected messages are invalid; they are acknowledged so they are not redelivered
	StateRejected MessageState = "REJECTED"
	// StateError messages are left unacknowledged for redelivery
	StateError MessageState = "ERROR"
)

// Acked reports whether a message in this state is acknowledged to the broker
func (s MessageState) Acked() bool {
	return s == StateAcknowledged || s == StateRejected
}

// ProcessResult is the outcome of processing one message
type ProcessResult struct {
	State     MessageState
	Event     *models.DomainEvent
	Applied   bool
	Aggregate *models.CentralAggregate
	Reason    string
}

// Processor validates inbound stock events and hands them to the aggregator
type Processor struct {
	aggregator *Aggregator
	validate   *validator.Validate
	metrics    *metrics.Metrics
}

// NewProcessor creates a new processor
func NewProcessor(aggregator *Aggregator, m *metrics.Metrics) *Processor {
	return &Processor{
		aggregator: aggregator,
		validate:   validator.New(),
		metrics:    m,
	}
}

// Process runs one payload through RECEIVED, VALIDATED and APPLIED.
// Invalid payloads end REJECTED with a nil error. Apply failures end in
// ERROR and return an error wrapping ErrConsumerApplyFailure.
func (p *Processor) Process(ctx context.Context, payload []byte) (*ProcessResult, error) {
	start := time.Now()
	defer p.metrics.Since(metrics.ConsumerApplyTime, start)

	result := &ProcessResult{State: StateReceived}

	event, err := p.decode(payload)
	if err != nil {
		result.State = StateRejected
		result.Reason = err.Error()
		p.metrics.IncrementCounter(metrics.ConsumerRejected)
		log.Warn().Err(err).Msg("Rejecting stock event")
		return result, nil
	}
	result.Event = event
	result.State = StateValidated

	applied, err := p.aggregator.Apply(ctx, event)
	if err != nil {
		result.State = StateError
		result.Reason = err.Error()
		p.metrics.IncrementCounter(metrics.ConsumerErrors)
		p.metrics.RecordError(metrics.ConsumerApply)
		log.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("partition_key", event.PartitionKey()).
			Msg("Failed to apply stock event")
		return result, err
	}
	result.State = StateApplied
	result.Applied = applied.Applied
	result.Aggregate = applied.Aggregate

	result.State = StateAcknowledged
	p.metrics.IncrementCounter(metrics.ConsumerAcknowledged)
	p.metrics.RecordSuccess(metrics.ConsumerApply)

	logEvent := log.Debug().
		Str("event_id", event.EventID).
		Str("kind", string(event.Kind)).
		Str("partition_key", event.PartitionKey()).
		Bool("applied", result.Applied)
	if result.Aggregate != nil {
		logEvent = logEvent.Int("total_on_hand", result.Aggregate.TotalOnHand).
			Int("total_reserved", result.Aggregate.TotalReserved)
	}
	logEvent.Msg("Stock event processed")

	return result, nil
}

// Handle adapts Process to a broker MessageHandler
func (p *Processor) Handle(ctx context.Context, msg *messaging.Message) error {
	result, err := p.Process(ctx, msg.Payload)
	if err != nil {
		return err
	}
	if result.Event != nil && msg.Key != "" && msg.Key != result.Event.PartitionKey() {
		log.Warn().
			Str("message_id", msg.ID).
			Str("message_key", msg.Key).
			Str("partition_key", result.Event.PartitionKey()).
			Msg("Message key does not match event partition key")
	}
	return nil
}

func (p *Processor) decode(payload []byte) (*models.DomainEvent, error) {
	event, err := models.UnmarshalDomainEvent(payload)
	if err != nil {
		return nil, err
	}
	if err := p.validate.Struct(event); err != nil {
		return nil, errors.Wrap(models.ErrInvalidArgument, err.Error())
	}
	if event.Timestamp.IsZero() {
		return nil, errors.Wrap(models.ErrInvalidArgument, "timestamp is required")
	}
	return event, nil
}
