package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the message queue operations used by the
// ingestion consumer and the simulator, so both can be tested against a mock.
type ClientInterface interface {
	// Publish sends a message and waits for the broker's confirmation,
	// retrying with backoff while disconnected.
	Publish(ctx context.Context, msg Message) error

	// UnsafePublish sends a message without waiting for a confirmation.
	UnsafePublish(ctx context.Context, msg Message) error

	// Consume delivers queue messages until the channel closes. Each
	// delivery must be acked or nacked.
	Consume() (<-chan amqp.Delivery, error)

	// WaitReady blocks until the client is connected.
	WaitReady(ctx context.Context) error

	// Close shuts down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
