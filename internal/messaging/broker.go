package messaging

import (
	"context"
	"time"
)

// Broker sends one message and returns once the broker has acknowledged it
type Broker interface {
	Send(ctx context.Context, topic, partitionKey string, payload []byte) error
	Close() error
}

// Message is an inbound broker message handed to a MessageHandler
type Message struct {
	ID            string
	Key           string
	Payload       []byte
	Headers       map[string]string
	DeliveryCount int
	EnqueuedAt    time.Time
}

// MessageHandler processes one message. Returning nil acknowledges it;
// returning an error leaves it for redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer delivers messages to a handler until ctx is cancelled
type Consumer interface {
	Run(ctx context.Context, handler MessageHandler) error
	Close() error
}
