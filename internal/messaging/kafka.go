package messaging

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/stocksync/config"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// KafkaProducer is the part of the traced writer the broker needs
type KafkaProducer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// KafkaBroker publishes to Kafka. Messages are keyed by partition key and
// routed with a hash balancer, so one key always lands on one partition.
type KafkaBroker struct {
	producer KafkaProducer
}

// NewKafkaBroker creates a traced Kafka writer. A nil tp uses the global provider.
func NewKafkaBroker(cfg config.KafkaConfig, tp trace.TracerProvider) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	baseWriter := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: false,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(cfg.Topic),
				attribute.String("messaging.kafka.client_id", cfg.ClientID),
			},
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create traced Kafka writer")
	}

	return NewKafkaBrokerWithProducer(writer), nil
}

// NewKafkaBrokerWithProducer wraps an existing producer
func NewKafkaBrokerWithProducer(producer KafkaProducer) *KafkaBroker {
	return &KafkaBroker{producer: producer}
}

// Send writes one message and waits for all in-sync replicas to acknowledge it
func (b *KafkaBroker) Send(ctx context.Context, topic, partitionKey string, payload []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := b.producer.WriteMessage(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to write to Kafka topic %s", topic)
	}
	return nil
}

// Close flushes and closes the writer
func (b *KafkaBroker) Close() error {
	return b.producer.Close()
}

// kafkaReader is the part of *kafka.Reader the consumer drives
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads a topic as part of a consumer group. Each reader owns a
// set of partitions and handles their messages strictly in order.
type KafkaConsumer struct {
	cfg        config.KafkaConfig
	readers    []kafkaReader
	deadLetter Broker
}

// NewKafkaConsumer creates cfg.Readers group members. deadLetter may be nil,
// in which case a message that keeps failing stops the consumer instead.
func NewKafkaConsumer(cfg config.KafkaConfig, deadLetter Broker) *KafkaConsumer {
	if cfg.Readers <= 0 {
		cfg.Readers = 1
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 1
	}

	readers := make([]kafkaReader, 0, cfg.Readers)
	for i := 0; i < cfg.Readers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.Topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		}))
	}

	return &KafkaConsumer{cfg: cfg, readers: readers, deadLetter: deadLetter}
}

// Run consumes until ctx is cancelled or a message can neither be handled nor dead-lettered
func (c *KafkaConsumer) Run(ctx context.Context, handler MessageHandler) error {
	log.Info().
		Str("topic", c.cfg.Topic).
		Str("group_id", c.cfg.GroupID).
		Int("readers", len(c.readers)).
		Msg("Starting Kafka consumer")

	g, ctx := errgroup.WithContext(ctx)
	for i, reader := range c.readers {
		i, reader := i, reader
		g.Go(func() error {
			return c.readLoop(ctx, i, reader, handler)
		})
	}
	return g.Wait()
}

func (c *KafkaConsumer) readLoop(ctx context.Context, id int, reader kafkaReader, handler MessageHandler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Int("reader", id).Msg("Context done, exiting Kafka read loop")
				return nil
			}
			log.Error().Err(err).Int("reader", id).Msg("Error reading from Kafka")
			continue
		}

		if err := c.handle(ctx, reader, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle retries a failing message in place, since committing a later offset
// would implicitly acknowledge it. After MaxRedeliveries it goes to the dead-letter topic.
func (c *KafkaConsumer) handle(ctx context.Context, reader kafkaReader, msg kafka.Message, handler MessageHandler) error {
	message := toKafkaMessage(msg)
	msgCtx := extractTraceContext(ctx, msg.Headers)

	for attempt := 1; ; attempt++ {
		message.DeliveryCount = attempt
		err := handler(msgCtx, message)
		if err == nil {
			break
		}

		if attempt >= c.cfg.MaxRedeliveries {
			if dlErr := c.sendToDeadLetter(ctx, msg, err); dlErr != nil {
				return dlErr
			}
			break
		}

		log.Warn().
			Err(err).
			Str("message_id", message.ID).
			Int("attempt", attempt).
			Msg("Message handling failed, redelivering")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RedeliveryDelay * time.Duration(attempt)):
		}
	}

	if err := reader.CommitMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to commit Kafka offset")
	}
	return nil
}

func (c *KafkaConsumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.deadLetter == nil || c.cfg.DeadLetterTopic == "" {
		return errors.Wrapf(cause, "message %s/%d/%d failed and no dead-letter topic is configured",
			msg.Topic, msg.Partition, msg.Offset)
	}

	if err := c.deadLetter.Send(ctx, c.cfg.DeadLetterTopic, string(msg.Key), msg.Value); err != nil {
		return errors.Wrap(err, "failed to forward message to dead-letter topic")
	}

	log.Error().
		Err(cause).
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("dead_letter_topic", c.cfg.DeadLetterTopic).
		Msg("Message moved to dead-letter topic")
	return nil
}

// Close closes every reader
func (c *KafkaConsumer) Close() error {
	var firstErr error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func toKafkaMessage(msg kafka.Message) *Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, header := range msg.Headers {
		headers[header.Key] = string(header.Value)
	}
	return &Message{
		ID:         fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Key:        string(msg.Key),
		Payload:    msg.Value,
		Headers:    headers,
		EnqueuedAt: msg.Time,
	}
}

// extractTraceContext continues the producer's trace from the message headers
func extractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[header.Key] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
