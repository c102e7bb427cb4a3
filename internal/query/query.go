// Package query serves reads over the reading store: device listing,
// latest reading, day-bounded history and streaming CSV export.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/telemetry"
)

// Config holds the query service configuration.
type Config struct {
	Logger *slog.Logger
	Store  store.Store
	// Location defines calendar days for history and export. Defaults to UTC.
	Location *time.Location
	// FlushEvery is the number of CSV rows written between flushes.
	FlushEvery int
}

const defaultFlushEvery = 100

// Service answers reader queries. It never writes.
type Service struct {
	logger     *slog.Logger
	store      store.Store
	loc        *time.Location
	flushEvery int
}

// NewService creates a query service.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("query config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	flushEvery := cfg.FlushEvery
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}

	return &Service{
		logger:     cfg.Logger.With("component", "query"),
		store:      cfg.Store,
		loc:        loc,
		flushEvery: flushEvery,
	}, nil
}

// Location returns the location calendar days are evaluated in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// ListDevices returns every device with at least one reading, sorted.
func (s *Service) ListDevices(ctx context.Context) ([]string, error) {
	ids, err := s.store.DeviceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Latest returns the most recent reading of deviceID, or
// telemetry.ErrNotFound.
func (s *Service) Latest(ctx context.Context, deviceID string) (telemetry.Reading, error) {
	r, err := s.store.Latest(ctx, deviceID)
	if err != nil {
		if errors.Is(err, telemetry.ErrNotFound) {
			return telemetry.Reading{}, err
		}
		return telemetry.Reading{}, fmt.Errorf("failed to get latest reading: %w", err)
	}
	return r, nil
}

// History returns the readings of deviceID from the start of day from to
// the end of day to, both optional, in ascending order. No match is an
// empty slice.
func (s *Service) History(ctx context.Context, deviceID string, from, to *telemetry.Day) ([]telemetry.Reading, error) {
	readings, err := s.store.Range(ctx, deviceID, telemetry.DayBounds(from, to, s.loc))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}
	return readings, nil
}
