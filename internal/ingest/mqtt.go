package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/telemetry"
)

// MQTTConfig holds the MQTT bridge configuration.
type MQTTConfig struct {
	Logger   *slog.Logger
	Service  *Service
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix is followed by "/<device_id>" on every reading topic.
	TopicPrefix string
	QoS         byte
	// IngestTimeout bounds persisting a single message.
	IngestTimeout time.Duration
	// ConnectRetryInterval is the wait between failed connection attempts.
	ConnectRetryInterval time.Duration
}

// MQTTBridge subscribes to "<prefix>/+" and ingests every message as a
// reading of the device named by the last topic segment.
type MQTTBridge struct {
	logger  *slog.Logger
	service *Service
	client  mqtt.Client
	cfg     MQTTConfig
}

// NewMQTTBridge creates an MQTT bridge. Start connects it.
func NewMQTTBridge(cfg *MQTTConfig) (*MQTTBridge, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Service == nil {
		return nil, errors.New("ingest service cannot be nil")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}
	if cfg.TopicPrefix == "" {
		return nil, errors.New("topic prefix cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensor-hub"
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = 10 * time.Second
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = 5 * time.Second
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")

	return &MQTTBridge{
		logger:  cfg.Logger.With("component", "mqtt_bridge"),
		service: cfg.Service,
		cfg:     *cfg,
	}, nil
}

// Topic returns the subscription filter.
func (b *MQTTBridge) Topic() string {
	return b.cfg.TopicPrefix + "/+"
}

// Start connects to the broker and subscribes. Reconnects resubscribe.
func (b *MQTTBridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetOrderMatters(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(b.cfg.ConnectRetryInterval).
		SetCleanSession(false)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	opts.OnConnectAttempt = func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		b.logger.Debug("connecting to mqtt broker", "broker", broker.Redacted())
		return tlsCfg
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Error("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(c mqtt.Client) {
		topic := b.Topic()
		b.logger.Info("mqtt connected, subscribing", "topic", topic)
		if token := c.Subscribe(topic, b.cfg.QoS, b.onMessage(ctx)); token.Wait() && token.Error() != nil {
			b.logger.Error("failed to subscribe", "topic", topic, "error", token.Error())
		}
	}

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker. A client still retrying its first
// connection is stopped as well.
func (b *MQTTBridge) Stop() {
	if b.client != nil {
		b.client.Disconnect(500)
	}
	b.logger.Info("mqtt bridge stopped")
}

// IsConnected reports whether the broker connection is up.
func (b *MQTTBridge) IsConnected() bool {
	return b.client != nil && b.client.IsConnected()
}

func (b *MQTTBridge) onMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		if err := b.HandleMessage(ctx, m.Topic(), m.Payload()); err != nil {
			b.logger.Warn("dropping mqtt message",
				"topic", m.Topic(),
				"error", err,
			)
		}
	}
}

// HandleMessage ingests one message received on topic.
func (b *MQTTBridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	deviceID, ok := b.deviceFromTopic(topic)
	if !ok {
		return telemetry.NewValidationError("topic", fmt.Sprintf("expected %s/<device_id>, got %q", b.cfg.TopicPrefix, topic))
	}

	body, err := DecodeBody(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.IngestTimeout)
	defer cancel()

	_, err = b.service.Ingest(ctx, Request{
		DeviceID:     deviceID,
		Token:        body.Token,
		Timestamp:    body.Timestamp,
		Payload:      body.Payload,
		BodyDeviceID: body.DeviceID,
		Transport:    TransportMQTT,
	})
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return fmt.Errorf("device %q: %w", deviceID, err)
	}
	return err
}

func (b *MQTTBridge) deviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
