package store

import (
	"cmp"
	"context"
	"hash/maphash"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"procodus.dev/sensor-hub/internal/telemetry"
)

const memoryShards = 32

// Memory is an in-process Store. It is used for development and tests and
// loses everything on exit.
type Memory struct {
	now    func() time.Time
	seed   maphash.Seed
	shards [memoryShards]memoryShard
	lastID atomic.Uint64
}

type memoryShard struct {
	devices map[string]*deviceLog
	mu      sync.RWMutex
}

// deviceLog holds one device's readings in ID order.
type deviceLog struct {
	readings []telemetry.Reading
	latest   int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		now:  time.Now,
		seed: maphash.MakeSeed(),
	}
	for i := range m.shards {
		m.shards[i].devices = make(map[string]*deviceLog)
	}
	return m
}

func (m *Memory) shard(deviceID string) *memoryShard {
	return &m.shards[maphash.String(m.seed, deviceID)%memoryShards]
}

// Append implements Store.
func (m *Memory) Append(ctx context.Context, deviceID string, ts time.Time, payload telemetry.Payload) (telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Reading{}, err
	}
	if ts.IsZero() {
		ts = m.now()
	}
	if payload == nil {
		payload = telemetry.Payload{}
	}

	r := telemetry.Reading{
		DeviceID:  deviceID,
		Timestamp: telemetry.Normalize(ts),
		Payload:   payload.Clone(),
	}

	s := m.shard(deviceID)
	s.mu.Lock()
	// IDs are taken under the shard lock so a device's log stays in ID order.
	r.ID = m.lastID.Add(1)
	log, ok := s.devices[deviceID]
	if !ok {
		log = &deviceLog{}
		s.devices[deviceID] = log
	}
	log.readings = append(log.readings, r)
	if n := len(log.readings) - 1; n == 0 || !r.Timestamp.Before(log.readings[log.latest].Timestamp) {
		log.latest = n
	}
	s.mu.Unlock()

	return r.Clone(), nil
}

// DeviceIDs implements Store.
func (m *Memory) DeviceIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := []string{}
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for id := range s.devices {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	slices.Sort(ids)
	return ids, nil
}

// Latest implements Store.
func (m *Memory) Latest(ctx context.Context, deviceID string) (telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Reading{}, err
	}
	s := m.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.devices[deviceID]
	if !ok {
		return telemetry.Reading{}, telemetry.ErrNotFound
	}
	return log.readings[log.latest].Clone(), nil
}

// Range implements Store.
func (m *Memory) Range(ctx context.Context, deviceID string, b telemetry.Bounds) ([]telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := m.matching(deviceID, b)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}

// Scan implements Store. Payloads are cloned one reading at a time, just
// before fn sees them.
func (m *Memory) Scan(ctx context.Context, deviceID string, b telemetry.Bounds, fn func(telemetry.Reading) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range m.matching(deviceID, b) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// matching returns the readings of deviceID within b in (timestamp, id)
// order. The result shares payloads with the log; stored payloads are never
// mutated, but callers must clone before handing them out.
func (m *Memory) matching(deviceID string, b telemetry.Bounds) []telemetry.Reading {
	s := m.shard(deviceID)
	s.mu.RLock()
	out := []telemetry.Reading{}
	if log, ok := s.devices[deviceID]; ok {
		for _, r := range log.readings {
			if b.Contains(r.Timestamp) {
				out = append(out, r)
			}
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b telemetry.Reading) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
