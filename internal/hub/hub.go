// Package hub fans newly ingested readings out to live listeners watching a
// single device.
//
// Each listener owns a bounded queue drained by its own writer goroutine,
// so Publish never blocks on network I/O. A listener whose queue overflows
// or whose write fails is removed without affecting any other listener.
//
// There is no replay buffer: a listener only receives readings published
// after it subscribed. Clients that need history query the store first.
package hub

import (
	"context"
	"errors"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"procodus.dev/sensor-hub/internal/telemetry"
	"procodus.dev/sensor-hub/pkg/metrics"
)

const (
	shardCount = 16

	// DefaultQueueSize is the per-listener queue capacity.
	DefaultQueueSize = 64
	// DefaultWriteTimeout bounds a single write to a listener.
	DefaultWriteTimeout = 10 * time.Second
)

// Reasons a listener leaves the hub.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonBufferFull   = "buffer_full"
	ReasonWriteFailed  = "write_failed"
	ReasonHubClosed    = "hub_closed"
)

var (
	// ErrAlreadySubscribed is returned when a listener is registered twice.
	ErrAlreadySubscribed = errors.New("listener already subscribed")
	// ErrListenerClosed is returned when subscribing a listener that was
	// already removed. Listeners are single use.
	ErrListenerClosed = errors.New("listener closed")
	// ErrHubClosed is returned by Subscribe after Close.
	ErrHubClosed = errors.New("hub closed")
)

// Sink is the transport a listener writes readings to, such as a WebSocket
// connection or a gRPC stream. Send must honour ctx's deadline.
type Sink interface {
	Send(ctx context.Context, r telemetry.Reading) error
}

// Config holds the hub configuration.
type Config struct {
	Logger       *slog.Logger
	Metrics      *metrics.HubMetrics // optional
	QueueSize    int
	WriteTimeout time.Duration
}

// Hub tracks the listeners of every device. The zero value is not usable;
// create hubs with New.
type Hub struct {
	logger       *slog.Logger
	metrics      *metrics.HubMetrics
	shards       [shardCount]shard
	wg           sync.WaitGroup
	seed         maphash.Seed
	writeTimeout time.Duration
	queueSize    int
	closed       atomic.Bool
}

type shard struct {
	devices map[string]map[string]*Listener
	mu      sync.RWMutex
}

// New creates a hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	h := &Hub{
		logger:       cfg.Logger.With("component", "hub"),
		metrics:      cfg.Metrics,
		seed:         maphash.MakeSeed(),
		writeTimeout: cfg.WriteTimeout,
		queueSize:    cfg.QueueSize,
	}
	for i := range h.shards {
		h.shards[i].devices = make(map[string]map[string]*Listener)
	}
	return h, nil
}

func (h *Hub) shard(deviceID string) *shard {
	return &h.shards[maphash.String(h.seed, deviceID)%shardCount]
}

// NewListener creates an unregistered listener writing to sink.
func (h *Hub) NewListener(sink Sink) *Listener {
	return &Listener{
		id:     uuid.NewString(),
		sink:   sink,
		queue:  make(chan telemetry.Reading, h.queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Subscribe registers l for readings of deviceID and starts its writer.
// A listener is bound to one device for its whole lifetime.
func (h *Hub) Subscribe(deviceID string, l *Listener) error {
	if deviceID == "" {
		return telemetry.NewValidationError("device_id", "must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateSubscribed:
		return ErrAlreadySubscribed
	case stateClosed:
		return ErrListenerClosed
	}

	s := h.shard(deviceID)
	s.mu.Lock()
	if h.closed.Load() {
		s.mu.Unlock()
		return ErrHubClosed
	}
	set, ok := s.devices[deviceID]
	if !ok {
		set = make(map[string]*Listener)
		s.devices[deviceID] = set
	}
	set[l.id] = l
	l.state = stateSubscribed
	l.deviceID = deviceID
	h.wg.Add(1)
	s.mu.Unlock()

	go h.write(l)

	if h.metrics != nil {
		h.metrics.ActiveListeners.Inc()
	}
	h.logger.Debug("listener subscribed",
		"device_id", deviceID,
		"listener_id", l.id,
	)
	return nil
}

// Unsubscribe removes l. It is safe to call more than once and on
// listeners the hub already dropped.
func (h *Hub) Unsubscribe(l *Listener) {
	h.remove(l, ReasonUnsubscribed, nil)
}

// Publish offers a copy of r to every listener of deviceID. It never
// blocks: a listener whose queue is full is removed.
func (h *Hub) Publish(deviceID string, r telemetry.Reading) {
	s := h.shard(deviceID)
	s.mu.RLock()
	set := s.devices[deviceID]
	targets := make([]*Listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	s.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.PublishedTotal.Inc()
	}

	for _, l := range targets {
		select {
		case l.queue <- r.Clone():
		default:
			h.remove(l, ReasonBufferFull, nil)
		}
	}
}

// Listeners returns the number of live listeners of deviceID.
func (h *Hub) Listeners(deviceID string) int {
	s := h.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices[deviceID])
}

// Devices returns the number of devices with at least one listener.
func (h *Hub) Devices() int {
	n := 0
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// Close removes every listener and waits for their writers to exit.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	var all []*Listener
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.RLock()
		for _, set := range s.devices {
			for _, l := range set {
				all = append(all, l)
			}
		}
		s.mu.RUnlock()
	}

	for _, l := range all {
		h.remove(l, ReasonHubClosed, nil)
	}
	h.wg.Wait()

	h.logger.Info("hub closed", "listeners_closed", len(all))
}

// remove unregisters l and reports whether this call did so.
func (h *Hub) remove(l *Listener, reason string, cause error) bool {
	l.mu.Lock()
	if l.state != stateSubscribed {
		l.mu.Unlock()
		return false
	}
	l.state = stateClosed
	l.reason = reason

	s := h.shard(l.deviceID)
	s.mu.Lock()
	if set, ok := s.devices[l.deviceID]; ok {
		delete(set, l.id)
		if len(set) == 0 {
			delete(s.devices, l.deviceID)
		}
	}
	s.mu.Unlock()
	l.mu.Unlock()

	close(l.done)

	if h.metrics != nil {
		h.metrics.ActiveListeners.Dec()
		if reason != ReasonUnsubscribed {
			h.metrics.DroppedListeners.WithLabelValues(reason).Inc()
		}
	}

	attrs := []any{
		"device_id", l.deviceID,
		"listener_id", l.id,
		"reason", reason,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	h.logger.Debug("listener removed", attrs...)
	return true
}

// write drains l's queue into its sink in FIFO order until l is removed or
// a write fails.
func (h *Hub) write(l *Listener) {
	defer h.wg.Done()
	defer close(l.exited)

	for {
		select {
		case <-l.done:
			return
		case r := <-l.queue:
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
			err := l.sink.Send(ctx, r)
			cancel()
			if err != nil {
				h.remove(l, ReasonWriteFailed, err)
				return
			}
			if h.metrics != nil {
				h.metrics.DeliveredTotal.Inc()
				h.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
			}
		}
	}
}
