// Package ingest authenticates, persists and publishes device readings.
//
// Every transport (HTTP, AMQP, MQTT) funnels into Service.Ingest, which
// holds a per-device lock across the store append and the hub publish so
// that listeners see a device's readings in append order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/sensor-hub/internal/auth"
	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/telemetry"
	"procodus.dev/sensor-hub/pkg/metrics"
)

const lockStripes = 256

// Transports label where a reading came from.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
	TransportMQTT = "mqtt"
)

// Authenticator verifies device credentials.
type Authenticator interface {
	Verify(claimedDeviceID, token string) (string, error)
}

// Publisher receives every persisted reading.
type Publisher interface {
	Publish(deviceID string, r telemetry.Reading)
}

// Request is one ingestion attempt.
type Request struct {
	Timestamp *time.Time
	Payload   telemetry.Payload
	DeviceID  string
	Token     string
	// BodyDeviceID is the device id named inside the body, if any. It is
	// never trusted over the authenticated id.
	BodyDeviceID string
	Transport    string
}

// Config holds the ingestion service configuration.
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Auth      Authenticator
	Publisher Publisher
	Metrics   *metrics.IngestMetrics // optional
}

// Service is the single entry point for new readings.
type Service struct {
	logger    *slog.Logger
	store     store.Store
	auth      Authenticator
	publisher Publisher
	metrics   *metrics.IngestMetrics
	seed      maphash.Seed
	stripes   [lockStripes]sync.Mutex
}

// NewService creates an ingestion service.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("ingest config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	return &Service{
		logger:    cfg.Logger.With("component", "ingest"),
		store:     cfg.Store,
		auth:      cfg.Auth,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		seed:      maphash.MakeSeed(),
	}, nil
}

// Ingest authenticates req, appends it to the store and publishes the
// stored reading. Nothing is written or published unless authentication
// succeeds.
func (s *Service) Ingest(ctx context.Context, req Request) (telemetry.Reading, error) {
	start := time.Now()
	r, err := s.ingest(ctx, req)
	s.observe(req.Transport, start, err)
	return r, err
}

func (s *Service) ingest(ctx context.Context, req Request) (telemetry.Reading, error) {
	if req.DeviceID == "" || req.Token == "" {
		return telemetry.Reading{}, telemetry.NewValidationError("credentials", "device id and token are required")
	}
	if req.Payload == nil {
		return telemetry.Reading{}, telemetry.NewValidationError("payload", "is required")
	}

	var ts time.Time
	if req.Timestamp != nil {
		if err := telemetry.CheckTimestamp(*req.Timestamp); err != nil {
			return telemetry.Reading{}, telemetry.NewValidationError("timestamp", err.Error())
		}
		ts = *req.Timestamp
	}

	deviceID, err := s.auth.Verify(req.DeviceID, req.Token)
	if err != nil {
		s.logger.Warn("rejected reading with invalid credentials",
			"device_id", req.DeviceID,
			"transport", req.Transport,
		)
		return telemetry.Reading{}, err
	}

	if req.BodyDeviceID != "" && req.BodyDeviceID != deviceID {
		s.logger.Warn("body device id differs from authenticated device, ignoring body value",
			"device_id", deviceID,
			"body_device_id", req.BodyDeviceID,
		)
		if s.metrics != nil {
			s.metrics.DeviceMismatches.Inc()
		}
	}


	mu := &s.stripes[maphash.String(s.seed, deviceID)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	r, err := s.store.Append(ctx, deviceID, ts, req.Payload)
	if err != nil {
		return telemetry.Reading{}, fmt.Errorf("failed to persist reading: %w", err)
	}
	s.publisher.Publish(deviceID, r)

	s.logger.Debug("reading ingested",
		"device_id", deviceID,
		"reading_id", r.ID,
		"transport", req.Transport,
	)
	return r, nil
}

func (s *Service) observe(transport string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if transport == "" {
		transport = "unknown"
	}

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = "unauthorized"
		s.metrics.RejectedTotal.WithLabelValues(transport, status).Inc()
	case telemetry.IsValidation(err):
		status = "invalid"
		s.metrics.RejectedTotal.WithLabelValues(transport, status).Inc()
	default:
		status = "error"
	}

	s.metrics.ReadingsTotal.WithLabelValues(transport, status).Inc()
	s.metrics.IngestDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}
