// Package simulator runs a fleet of synthetic sensor devices that report
// readings to the hub at a fixed interval.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensor-hub/pkg/generator"
	"procodus.dev/sensor-hub/pkg/metrics"
)

var (
	errInvalidInterval = errors.New("interval must be greater than 0")
	errNoDevices       = errors.New("at least one device is required")
	errLoggerRequired  = errors.New("logger is required")
	errSenderRequired  = errors.New("sender is required")
)

// Config holds the simulator configuration.
type Config struct {
	Logger  *slog.Logger
	Sender  Sender
	Devices []generator.Device
	// Interval is the time between two readings of the same device.
	Interval time.Duration
	// Count stops each device after that many readings; 0 runs until
	// the context ends.
	Count int
	// Seed makes sensor values reproducible.
	Seed    uint64
	Metrics *metrics.SimulatorMetrics // optional
}

// Simulator drives one goroutine per device.
type Simulator struct {
	logger  *slog.Logger
	sender  Sender
	devices []generator.Device
	metrics *metrics.SimulatorMetrics
	wg      sync.WaitGroup
	cfg     Config
}

// New creates a simulator.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Sender == nil {
		return nil, errSenderRequired
	}
	if len(cfg.Devices) == 0 {
		return nil, errNoDevices
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	return &Simulator{
		logger:  cfg.Logger.With("component", "simulator", "transport", cfg.Sender.Transport()),
		sender:  cfg.Sender,
		devices: cfg.Devices,
		metrics: cfg.Metrics,
		cfg:     *cfg,
	}, nil
}

// Run starts every device and blocks until ctx ends, a shutdown signal
// arrives, or every device has sent Count readings.
func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	for i, d := range s.devices {
		s.wg.Add(1)
		go s.runDevice(ctx, d, generator.NewSensor(s.cfg.Seed+uint64(i)))
	}

	s.logger.Info("simulator started",
		"devices", len(s.devices),
		"interval", s.cfg.Interval,
	)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case <-done:
		s.logger.Info("all devices finished")
	}

	<-done
	s.logger.Info("simulator stopped")
	return nil
}

func (s *Simulator) runDevice(ctx context.Context, d generator.Device, sensor *generator.Sensor) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveDevices.Inc()
		defer s.metrics.ActiveDevices.Dec()
	}

	logger := s.logger.With("device_id", d.ID)
	logger.Info("device started", "location", d.Location, "firmware", d.Firmware)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("device shutting down", "sent", sent)
			return
		case now := <-ticker.C:
			if err := s.sendOne(ctx, d, sensor, now.UTC()); err != nil {
				// Keep going; the next tick may succeed.
				logger.Error("failed to send reading", "error", err)
				continue
			}
			sent++
			logger.Debug("reading sent")
			if s.cfg.Count > 0 && sent >= s.cfg.Count {
				logger.Info("device finished", "sent", sent)
				return
			}
		}
	}
}

func (s *Simulator) sendOne(ctx context.Context, d generator.Device, sensor *generator.Sensor, now time.Time) error {
	transport := s.sender.Transport()

	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.SendDuration.WithLabelValues(transport))
		defer timer.ObserveDuration()
	}

	body := Body{
		DeviceID:  d.ID,
		Timestamp: now,
		Payload:   sensor.Reading(now),
	}
	if s.metrics != nil {
		s.metrics.ReadingsCreated.Inc()
	}

	if err := s.sender.Send(ctx, d, body); err != nil {
		if s.metrics != nil {
			reason := "send_error"
			if ctx.Err() != nil {
				reason = "canceled"
			}
			s.metrics.SendFailures.WithLabelValues(transport, reason).Inc()
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.ReadingsSent.WithLabelValues(transport).Inc()
	}
	return nil
}
