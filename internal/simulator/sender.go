package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/pkg/generator"
	"procodus.dev/sensor-hub/pkg/mq"
)

// Transport names.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
	TransportMQTT = "mqtt"
)

// Body is what a device sends: the same shape the field agent posts.
type Body struct {
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	DeviceID  string         `json:"device_id"`
	// Token is only set on transports without headers.
	Token string `json:"token,omitempty"`
}

// Sender delivers one reading of a device to the hub.
type Sender interface {
	Send(ctx context.Context, d generator.Device, b Body) error
	Transport() string
}

// HTTPSender posts readings to POST /api/v1/readings.
type HTTPSender struct {
	client *http.Client
	url    string
}

// NewHTTPSender creates a sender for the hub at baseURL.
func NewHTTPSender(baseURL string, timeout time.Duration) (*HTTPSender, error) {
	if baseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimSuffix(baseURL, "/") + "/api/v1/readings",
	}, nil
}

// Transport implements Sender.
func (s *HTTPSender) Transport() string { return TransportHTTP }

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, d generator.Device, b Body) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", d.ID)
	req.Header.Set("X-Device-Token", d.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post reading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// AMQPSender publishes readings to the ingestion queue with credentials
// in the message headers.
type AMQPSender struct {
	client mq.ClientInterface
}

// NewAMQPSender creates a sender publishing through client.
func NewAMQPSender(client mq.ClientInterface) (*AMQPSender, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &AMQPSender{client: client}, nil
}

// Transport implements Sender.
func (s *AMQPSender) Transport() string { return TransportAMQP }

// Send implements Sender.
func (s *AMQPSender) Send(ctx context.Context, d generator.Device, b Body) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	return s.client.Publish(ctx, mq.Message{
		Headers: amqp.Table{
			ingest.HeaderDeviceID:    d.ID,
			ingest.HeaderDeviceToken: d.Token,
		},
		Body: data,
	})
}

// Close closes the underlying client.
func (s *AMQPSender) Close() error {
	return s.client.Close()
}

// MQTTSender publishes readings to "<prefix>/<device_id>" with the token
// in the body.
type MQTTSender struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTSender creates a sender on an already connected client.
func NewMQTTSender(client mqtt.Client, topicPrefix string, qos byte) (*MQTTSender, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if topicPrefix == "" {
		return nil, errors.New("topic prefix cannot be empty")
	}
	return &MQTTSender{
		client: client,
		prefix: strings.TrimSuffix(topicPrefix, "/"),
		qos:    qos,
	}, nil
}

// Transport implements Sender.
func (s *MQTTSender) Transport() string { return TransportMQTT }

// Send implements Sender.
func (s *MQTTSender) Send(ctx context.Context, d generator.Device, b Body) error {
	b.Token = d.Token
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	token := s.client.Publish(s.prefix+"/"+d.ID, s.qos, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects the client.
func (s *MQTTSender) Close() error {
	s.client.Disconnect(250)
	return nil
}
