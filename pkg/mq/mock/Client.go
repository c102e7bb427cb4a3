// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-hub/pkg/mq"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It records published messages and hands out a configurable delivery
// channel.
type MockClient struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, msg mq.Message) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// Published records every message passed to Publish.
	Published []mq.Message

	// UnsafePublishError is returned by UnsafePublish.
	UnsafePublishError error
	// UnsafePublished records every message passed to UnsafePublish.
	UnsafePublished []mq.Message

	// Deliveries is returned by Consume. Tests push deliveries into it.
	Deliveries chan amqp.Delivery
	// ConsumeError is returned by Consume.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// WaitReadyError is returned by WaitReady.
	WaitReadyError error

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// NewMockClient creates a new MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		Deliveries: make(chan amqp.Delivery, 16),
	}
}

// Publish implements ClientInterface.
func (m *MockClient) Publish(ctx context.Context, msg mq.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, msg); err != nil {
			return err
		}
	} else if m.PublishError != nil {
		return m.PublishError
	}
	m.Published = append(m.Published, msg)
	return nil
}

// UnsafePublish implements ClientInterface.
func (m *MockClient) UnsafePublish(_ context.Context, msg mq.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UnsafePublishError != nil {
		return m.UnsafePublishError
	}
	m.UnsafePublished = append(m.UnsafePublished, msg)
	return nil
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	return m.Deliveries, nil
}

// WaitReady implements ClientInterface.
func (m *MockClient) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	err := m.WaitReadyError
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return ctx.Err()
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// PublishedMessages returns a copy of the confirmed messages.
func (m *MockClient) PublishedMessages() []mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mq.Message(nil), m.Published...)
}

// Calls returns the Consume and Close call counts.
func (m *MockClient) Calls() (consume, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConsumeCalls, m.CloseCalls
}

// Acknowledger records acks and nacks of deliveries built by Delivery.
type Acknowledger struct {
	mu      sync.Mutex
	Acked   []uint64
	Nacked  []uint64
	Requeue []bool
}

// Ack implements amqp.Acknowledger.
func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked = append(a.Acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (a *Acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	a.Requeue = append(a.Requeue, requeue)
	return nil
}

// Reject implements amqp.Acknowledger.
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Counts returns the number of acked and nacked deliveries.
func (a *Acknowledger) Counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acked), len(a.Nacked)
}

// AckedTags returns the delivery tags acknowledged so far.
func (a *Acknowledger) AckedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.Acked...)
}

// Requeued returns the requeue flag of every nack so far.
func (a *Acknowledger) Requeued() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.Requeue...)
}

// Delivery builds a delivery acknowledged through a.
func (a *Acknowledger) Delivery(tag uint64, headers amqp.Table, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
		Headers:      headers,
		ContentType:  "application/json",
		Body:         body,
	}
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
