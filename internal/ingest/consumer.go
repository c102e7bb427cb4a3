package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/telemetry"
	"procodus.dev/sensor-hub/pkg/metrics"
	"procodus.dev/sensor-hub/pkg/mq"
)

// AMQP headers carrying device credentials.
const (
	HeaderDeviceID    = "x-device-id"
	HeaderDeviceToken = "x-device-token"
)

const consumeRetryDelay = 2 * time.Second

// Consumer ingests readings published to a RabbitMQ queue.
type Consumer struct {
	logger    *slog.Logger
	service   *Service
	client    mq.ClientInterface
	metrics   *metrics.MQMetrics
	done      chan struct{}
	queueName string
	started   atomic.Bool
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger    *slog.Logger
	Service   *Service
	Client    mq.ClientInterface
	Metrics   *metrics.MQMetrics // optional
	QueueName string
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Service == nil {
		return nil, errors.New("ingest service cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	return &Consumer{
		logger:    cfg.Logger.With("component", "amqp_consumer", "queue", cfg.QueueName),
		service:   cfg.Service,
		client:    cfg.Client,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
		queueName: cfg.QueueName,
	}, nil
}

// Start consumes in the background until ctx is canceled or Stop is
// called. A closed delivery channel triggers a new Consume once the client
// has reconnected.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer already started")
	}
	c.logger.Info("starting consumer")
	go c.run(ctx)
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		if err := c.client.WaitReady(ctx); err != nil {
			c.logger.Info("consumer exiting", "reason", err)
			return
		}

		deliveries, err := c.client.Consume()
		if err != nil {
			c.logger.Error("failed to start consuming", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryDelay):
			}
			continue
		}

		c.logger.Info("consumer started, waiting for messages")
		if stop := c.processMessages(ctx, deliveries); stop {
			return
		}
	}
}

// processMessages handles deliveries until the channel closes or ctx is
// done, reporting whether the consumer should stop.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return true

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return ctx.Err() != nil
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery ingests a single message. Messages that can never succeed
// are acknowledged and dropped; store failures are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ConsumeDuration.WithLabelValues(c.queueName).Observe(time.Since(start).Seconds())
		}
	}()

	body, err := DecodeBody(delivery.Body)
	if err != nil {
		c.reject(delivery, "invalid_body", err)
		return
	}

	req := Request{
		DeviceID:     headerString(delivery.Headers, HeaderDeviceID),
		Token:        headerString(delivery.Headers, HeaderDeviceToken),
		Timestamp:    body.Timestamp,
		Payload:      body.Payload,
		BodyDeviceID: body.DeviceID,
		Transport:    TransportAMQP,
	}
	if req.DeviceID == "" {
		req.DeviceID = body.DeviceID
	}
	if req.Token == "" {
		req.Token = body.Token
	}

	r, err := c.service.Ingest(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.reject(delivery, "unauthorized", err)
		return
	case telemetry.IsValidation(err):
		c.reject(delivery, "invalid", err)
		return
	default:
		c.logger.Error("failed to ingest reading",
			"device_id", req.DeviceID,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.ConsumptionFailures.WithLabelValues(c.queueName, "store_error").Inc()
		}
		// Nack the message so it can be reprocessed
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.MessagesConsumed.WithLabelValues(c.queueName).Inc()
	}

	c.logger.Debug("reading consumed",
		"device_id", r.DeviceID,
		"reading_id", r.ID,
	)
}

// reject acknowledges a message that can never be ingested so it is not
// redelivered.
func (c *Consumer) reject(delivery amqp.Delivery, reason string, err error) {
	c.logger.Warn("dropping message",
		"reason", reason,
		"error", err,
	)
	if c.metrics != nil {
		c.metrics.ConsumptionFailures.WithLabelValues(c.queueName, reason).Inc()
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
}

// Stop closes the MQ client and waits for message processing to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	var closeErr error
	if err := c.client.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
		closeErr = fmt.Errorf("failed to close mq client: %w", err)
	}

	if c.started.Load() {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return closeErr
}

func headerString(headers amqp.Table, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
