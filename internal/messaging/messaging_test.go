package messaging

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/stocksync/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) WriteMessage(ctx context.Context, msg kafka.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockProducer) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestKafkaBrokerSendKeysByPartitionKey(t *testing.T) {
	producer := new(MockProducer)
	broker := NewKafkaBrokerWithProducer(producer)

	producer.On("WriteMessage", mock.Anything, mock.MatchedBy(func(msg kafka.Message) bool {
		return msg.Topic == "stock-events" &&
			string(msg.Key) == "S1:P1" &&
			string(msg.Value) == `{"eventId":"e1"}`
	})).Return(nil).Once()

	require.NoError(t, broker.Send(context.Background(), "stock-events", "S1:P1", []byte(`{"eventId":"e1"}`)))
	producer.AssertExpectations(t)
}

func TestKafkaBrokerSendWrapsWriterError(t *testing.T) {
	producer := new(MockProducer)
	broker := NewKafkaBrokerWithProducer(producer)

	producer.On("WriteMessage", mock.Anything, mock.Anything).Return(errors.New("not enough replicas")).Once()
	producer.On("Close").Return(nil).Once()

	err := broker.Send(context.Background(), "stock-events", "S1:P1", []byte("{}"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "stock-events")
	require.Contains(t, err.Error(), "not enough replicas")
	require.NoError(t, broker.Close())
}

func TestToKafkaMessage(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	msg := toKafkaMessage(kafka.Message{
		Topic:     "stock-events",
		Partition: 3,
		Offset:    42,
		Key:       []byte("S1:P1"),
		Value:     []byte("{}"),
		Time:      at,
		Headers:   []kafka.Header{{Key: "traceparent", Value: []byte("00-abc-def-01")}},
	})

	require.Equal(t, "stock-events/3/42", msg.ID)
	require.Equal(t, "S1:P1", msg.Key)
	require.Equal(t, "00-abc-def-01", msg.Headers["traceparent"])
	require.Equal(t, at, msg.EnqueuedAt)
}

func TestToServiceBusMessage(t *testing.T) {
	session := "S1:P1"
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	msg := toServiceBusMessage(&azservicebus.ReceivedMessage{
		MessageID:     "m-1",
		SessionID:     &session,
		Body:          []byte("{}"),
		DeliveryCount: 2,
		EnqueuedTime:  &at,
		ApplicationProperties: map[string]interface{}{
			"source": "stocksync",
			"count":  7,
		},
	})

	require.Equal(t, "m-1", msg.ID)
	require.Equal(t, "S1:P1", msg.Key)
	require.Equal(t, 2, msg.DeliveryCount)
	require.Equal(t, at, msg.EnqueuedAt)
	require.Equal(t, map[string]string{"source": "stocksync"}, msg.Headers)
}

type MockReader struct {
	mock.Mock
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	args := m.Called(ctx)
	return args.Get(0).(kafka.Message), args.Error(1)
}

func (m *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockReader) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newTestConsumer(reader kafkaReader, deadLetter Broker) *KafkaConsumer {
	return &KafkaConsumer{
		cfg: config.KafkaConfig{
			Topic:           "stock-events",
			MaxRedeliveries: 3,
			RedeliveryDelay: time.Millisecond,
			DeadLetterTopic: "stock-events-dlq",
		},
		readers:    []kafkaReader{reader},
		deadLetter: deadLetter,
	}
}

func consumedMessage() kafka.Message {
	return kafka.Message{Topic: "stock-events", Partition: 1, Offset: 7, Key: []byte("S1:P1"), Value: []byte(`{"eventId":"e1"}`)}
}

func TestKafkaHandleRetriesBeforeCommitting(t *testing.T) {
	reader := new(MockReader)
	producer := new(MockProducer)
	c := newTestConsumer(reader, NewKafkaBrokerWithProducer(producer))
	msg := consumedMessage()

	var deliveries []int
	handler := func(ctx context.Context, m *Message) error {
		deliveries = append(deliveries, m.DeliveryCount)
		// the offset must stay uncommitted while the message is still failing
		reader.AssertNotCalled(t, "CommitMessages", mock.Anything, mock.Anything)
		if m.DeliveryCount < 2 {
			return errors.New("projection store unavailable")
		}
		return nil
	}
	reader.On("CommitMessages", mock.Anything, []kafka.Message{msg}).Return(nil).Once()

	require.NoError(t, c.handle(context.Background(), reader, msg, handler))

	require.Equal(t, []int{1, 2}, deliveries)
	reader.AssertExpectations(t)
	producer.AssertNotCalled(t, "WriteMessage", mock.Anything, mock.Anything)
}

func TestKafkaHandleDeadLettersThenCommits(t *testing.T) {
	reader := new(MockReader)
	producer := new(MockProducer)
	c := newTestConsumer(reader, NewKafkaBrokerWithProducer(producer))
	msg := consumedMessage()

	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return errors.New("malformed event")
	}

	var order []string
	producer.On("WriteMessage", mock.Anything, mock.MatchedBy(func(out kafka.Message) bool {
		return out.Topic == "stock-events-dlq" && string(out.Key) == "S1:P1" && string(out.Value) == `{"eventId":"e1"}`
	})).Run(func(mock.Arguments) { order = append(order, "dead-letter") }).Return(nil).Once()
	reader.On("CommitMessages", mock.Anything, []kafka.Message{msg}).
		Run(func(mock.Arguments) { order = append(order, "commit") }).Return(nil).Once()

	require.NoError(t, c.handle(context.Background(), reader, msg, handler))

	require.Equal(t, 3, calls)
	require.Equal(t, []string{"dead-letter", "commit"}, order)
	producer.AssertExpectations(t)
	reader.AssertExpectations(t)
}

func TestKafkaHandleDoesNotCommitWhenDeadLetterFails(t *testing.T) {
	reader := new(MockReader)
	producer := new(MockProducer)
	c := newTestConsumer(reader, NewKafkaBrokerWithProducer(producer))
	msg := consumedMessage()

	handler := func(ctx context.Context, m *Message) error {
		return errors.New("malformed event")
	}
	producer.On("WriteMessage", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Once()

	err := c.handle(context.Background(), reader, msg, handler)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dead-letter")
	require.Contains(t, err.Error(), "leader not available")
	reader.AssertNotCalled(t, "CommitMessages", mock.Anything, mock.Anything)
}

func TestKafkaHandleWithoutDeadLetterTopicDoesNotCommit(t *testing.T) {
	reader := new(MockReader)
	c := newTestConsumer(reader, nil)
	msg := consumedMessage()

	err := c.handle(context.Background(), reader, msg, func(ctx context.Context, m *Message) error {
		return errors.New("malformed event")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no dead-letter topic")
	reader.AssertNotCalled(t, "CommitMessages", mock.Anything, mock.Anything)
}
