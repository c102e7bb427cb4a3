// Package mq provides a RabbitMQ client with automatic reconnection,
// publisher confirms and bounded publish retries.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-hub/pkg/metrics"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	defaultPrefetch = 16
)

var (
	errNotConnected = errors.New("not connected to a server")
	errShutdown     = errors.New("client is shutting down")

	// ErrAlreadyClosed is returned by Close on a client that was closed.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrMaxRetriesExceeded is returned when Publish gives up.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	// ErrNotAcknowledged is returned when the broker nacks a publish.
	ErrNotAcknowledged = errors.New("publish not acknowledged by broker")
)

// Message is a single AMQP message.
type Message struct {
	Headers     amqp.Table
	ContentType string
	Body        []byte
}

// Config holds the client configuration.
type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.MQMetrics // optional
	URL       string
	QueueName string
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
	// Durable declares the queue to survive broker restarts.
	Durable bool
}

// Client is a RabbitMQ client bound to one queue. It reconnects in the
// background and is safe for concurrent use.
type Client struct {
	logger          *slog.Logger
	metrics         *metrics.MQMetrics
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	ready           chan struct{} // closed while connected
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	queueName       string
	prefetch        int
	mu              sync.Mutex
	closeOnce       sync.Once
	durable         bool
	isReady         bool
}

// New creates a client and starts connecting to the server in the
// background.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	client := &Client{
		logger:    cfg.Logger.With("component", "mq", "queue", cfg.QueueName),
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		queueName: cfg.QueueName,
		prefetch:  cfg.Prefetch,
		durable:   cfg.Durable,
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// QueueName returns the queue the client is bound to.
func (client *Client) QueueName() string {
	return client.queueName
}

// Ready reports whether the client currently has an open channel.
func (client *Client) Ready() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is connected, ctx is done or the client
// is closed.
func (client *Client) WaitReady(ctx context.Context) error {
	client.mu.Lock()
	ready := client.ready
	client.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	}
}

func (client *Client) setReady(ready bool) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if ready == client.isReady {
		return
	}
	client.isReady = ready
	if ready {
		close(client.ready)
	} else {
		client.ready = make(chan struct{})
	}

	if client.metrics != nil {
		status := 0.0
		if ready {
			status = 1
		}
		client.metrics.ConnectionStatus.Set(status)
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)

		client.logger.Info("attempting to connect")
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := amqp.Dial(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		client.mu.Lock()
		client.connection = conn
		client.notifyConnClose = conn.NotifyClose(make(chan *amqp.Error, 1))
		client.mu.Unlock()
		client.logger.Info("connected")

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirming channel and declares the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	client.mu.Lock()
	client.channel = ch
	client.notifyChanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	client.mu.Unlock()

	client.setReady(true)
	client.logger.Info("client init done")
	return nil
}

// Publish sends msg and waits for the broker's confirmation. While the
// client is disconnected or the publish fails it retries with exponential
// backoff, giving up after maxRetryAttempts.
func (client *Client) Publish(ctx context.Context, msg Message) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "max_attempts", maxRetryAttempts)
			client.countFailure("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		err := client.publishConfirmed(ctx, msg)
		if err == nil {
			if client.metrics != nil {
				client.metrics.MessagesPublished.WithLabelValues(client.queueName).Inc()
			}
			if attempt > 0 {
				client.logger.Info("publish confirmed after retries", "retry_count", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			client.countFailure("context_canceled")
			return ctx.Err()
		}

		client.logger.Warn("publish failed, retrying with backoff",
			"error", err,
			"backoff", backoff,
			"retry_count", attempt,
		)

		select {
		case <-ctx.Done():
			client.countFailure("context_canceled")
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
		}
		backoff = min(backoff*backoffMultiplier, maxBackoff)
	}
}

func (client *Client) publishConfirmed(ctx context.Context, msg Message) error {
	ch, err := client.openChannel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		client.publishing(msg),
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNotAcknowledged
	}
	return nil
}

// UnsafePublish sends msg without waiting for a confirmation. No
// guarantees are provided for whether the server will receive it.
func (client *Client) UnsafePublish(ctx context.Context, msg Message) error {
	ch, err := client.openChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		client.publishing(msg),
	)
}

func (client *Client) publishing(msg Message) amqp.Publishing {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	mode := amqp.Transient
	if client.durable {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:      msg.Headers,
		ContentType:  contentType,
		DeliveryMode: mode,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	}
}

// Consume starts delivering queue messages on the returned channel, which
// is closed when the underlying channel goes away. Every delivery must be
// acknowledged or rejected.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	ch, err := client.openChannel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(
		client.prefetch, // prefetchCount
		0,               // prefetchSize
		false,           // global
	); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return deliveries, nil
}

func (client *Client) openChannel() (*amqp.Channel, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	select {
	case <-client.done:
		return nil, errShutdown
	default:
	}
	if !client.isReady {
		return nil, errNotConnected
	}
	return client.channel, nil
}

func (client *Client) countFailure(reason string) {
	if client.metrics != nil {
		client.metrics.PublishFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// Close stops reconnecting and shuts down the channel and connection.
func (client *Client) Close() error {
	err := ErrAlreadyClosed
	client.closeOnce.Do(func() {
		err = nil
		close(client.done)

		client.mu.Lock()
		defer client.mu.Unlock()

		if client.channel != nil {
			if cerr := client.channel.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = errors.Join(err, cerr)
			}
		}
		if client.connection != nil && !client.connection.IsClosed() {
			if cerr := client.connection.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = errors.Join(err, cerr)
			}
		}
		client.isReady = false

		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
	})
	return err
}
