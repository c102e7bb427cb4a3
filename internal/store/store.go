// Package store persists readings in an append-only log indexed by device
// and time.
//
// Readings are never updated or deleted. Every implementation assigns
// strictly increasing IDs that are unique across all devices, and is safe
// for concurrent use.
package store

import (
	"context"
	"time"

	"procodus.dev/sensor-hub/internal/telemetry"
)

// Store is the durable reading log.
type Store interface {
	// Append persists a reading and returns it with its assigned ID.
	// A zero ts means the current time.
	Append(ctx context.Context, deviceID string, ts time.Time, payload telemetry.Payload) (telemetry.Reading, error)

	// DeviceIDs returns every device that has at least one reading,
	// sorted ascending.
	DeviceIDs(ctx context.Context) ([]string, error)

	// Latest returns the reading with the greatest timestamp, ties broken
	// by the greatest ID. It returns telemetry.ErrNotFound if the device
	// has never reported.
	Latest(ctx context.Context, deviceID string) (telemetry.Reading, error)

	// Range returns the device's readings within b ordered by timestamp,
	// then ID.
	Range(ctx context.Context, deviceID string, b telemetry.Bounds) ([]telemetry.Reading, error)

	// Scan calls fn for each reading Range would return, in the same
	// order, without materialising the whole result. Scanning stops at the
	// first error returned by fn.
	Scan(ctx context.Context, deviceID string, b telemetry.Bounds, fn func(telemetry.Reading) error) error

	// Close releases the store's resources.
	Close() error
}

// Ensure implementations satisfy Store.
var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
