package messaging

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/services/stocksync/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServiceBusBroker sends to session-enabled Service Bus queues. The partition
// key becomes the SessionID, which gives per-key FIFO delivery.
type ServiceBusBroker struct {
	client *azservicebus.Client

	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

// NewServiceBusBroker creates a Service Bus client from a connection string
func NewServiceBusBroker(cfg config.AzureConfig) (*ServiceBusBroker, error) {
	if cfg.ConnStr == "" {
		return nil, errors.New("azure.conn_str is required for the servicebus broker")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &ServiceBusBroker{
		client:  client,
		senders: make(map[string]*azservicebus.Sender),
	}, nil
}

func (b *ServiceBusBroker) sender(queue string) (*azservicebus.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sender, ok := b.senders[queue]; ok {
		return sender, nil
	}
	sender, err := b.client.NewSender(queue, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Service Bus sender for %s", queue)
	}
	b.senders[queue] = sender
	return sender, nil
}

// Send delivers payload to the queue named by topic
func (b *ServiceBusBroker) Send(ctx context.Context, topic, partitionKey string, payload []byte) error {
	sender, err := b.sender(topic)
	if err != nil {
		return err
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        payload,
		ContentType: &contentType,
		SessionID:   &partitionKey,
		ApplicationProperties: map[string]interface{}{
			"source": "stocksync",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send to Service Bus queue %s", topic)
	}
	return nil
}

// Close closes all senders and the client
func (b *ServiceBusBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := context.Background()
	for queue, sender := range b.senders {
		if err := sender.Close(ctx); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Error closing Service Bus sender")
		}
	}
	b.senders = map[string]*azservicebus.Sender{}
	return b.client.Close(ctx)
}

// ServiceBusConsumer accepts sessions from a queue and handles each session's
// messages in order. At most MaxSessions sessions are open at once.
type ServiceBusConsumer struct {
	client *azservicebus.Client
	cfg    config.AzureConfig
}

// NewServiceBusConsumer creates a session consumer for cfg.QueueName
func NewServiceBusConsumer(cfg config.AzureConfig) (*ServiceBusConsumer, error) {
	if cfg.ConnStr == "" {
		return nil, errors.New("azure.conn_str is required for the servicebus consumer")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 8
	}
	if cfg.SessionIdleFor <= 0 {
		cfg.SessionIdleFor = 30 * time.Second
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}
	return &ServiceBusConsumer{client: client, cfg: cfg}, nil
}

// Run accepts sessions until ctx is cancelled
func (c *ServiceBusConsumer) Run(ctx context.Context, handler MessageHandler) error {
	log.Info().
		Str("queue", c.cfg.QueueName).
		Int("max_sessions", c.cfg.MaxSessions).
		Msg("Starting Service Bus session consumer")

	slots := make(chan struct{}, c.cfg.MaxSessions)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		receiver, err := c.client.AcceptNextSessionForQueue(ctx, c.cfg.QueueName, nil)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				continue
			}
			return errors.Wrap(err, "failed to accept Service Bus session")
		}

		log.Info().Str("session_id", receiver.SessionID()).Msg("Session accepted")

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			c.handleSession(ctx, receiver, handler)
		}()
	}
}

func (c *ServiceBusConsumer) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, handler MessageHandler) {
	sessionID := receiver.SessionID()
	defer func() {
		log.Info().Str("session_id", sessionID).Msg("Closing session")
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Error closing session")
		}
	}()

	for {
		receiveCtx, cancel := context.WithTimeout(ctx, c.cfg.SessionIdleFor)
		messages, err := receiver.ReceiveMessages(receiveCtx, 10, nil)
		cancel()

		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("Error receiving messages from session")
			}
			return
		}
		if len(messages) == 0 {
			// Idle session, release it so another can be accepted
			return
		}

		for _, received := range messages {
			msg := toServiceBusMessage(received)
			if err := handler(ctx, msg); err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Error processing message, abandoning")
				if err := receiver.AbandonMessage(context.Background(), received, nil); err != nil {
					log.Error().Err(err).Str("message_id", msg.ID).Msg("AbandonMessage failed")
				}
				// Later messages of this session must not overtake the abandoned one
				return
			}

			if err := receiver.CompleteMessage(context.Background(), received, nil); err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("CompleteMessage failed")
			}
		}
	}
}

// Close closes the client
func (c *ServiceBusConsumer) Close() error {
	return c.client.Close(context.Background())
}

func toServiceBusMessage(received *azservicebus.ReceivedMessage) *Message {
	msg := &Message{
		ID:            received.MessageID,
		Payload:       received.Body,
		Headers:       make(map[string]string, len(received.ApplicationProperties)),
		DeliveryCount: int(received.DeliveryCount),
	}
	if received.SessionID != nil {
		msg.Key = *received.SessionID
	}
	if received.EnqueuedTime != nil {
		msg.EnqueuedAt = *received.EnqueuedTime
	}
	for key, value := range received.ApplicationProperties {
		if s, ok := value.(string); ok {
			msg.Headers[key] = s
		}
	}
	return msg
}
