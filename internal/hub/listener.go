package hub

import (
	"sync"

	"procodus.dev/sensor-hub/internal/telemetry"
)

type listenerState int

const (
	stateNew listenerState = iota
	stateSubscribed
	stateClosed
)

// Listener is one live subscription to a single device. The queue is never
// closed; Done signals removal instead, so a late Publish cannot panic.
type Listener struct {
	sink     Sink
	queue    chan telemetry.Reading
	done     chan struct{}
	exited   chan struct{}
	id       string
	deviceID string
	reason   string
	state    listenerState
	mu       sync.Mutex
}

// ID returns the listener's unique id.
func (l *Listener) ID() string {
	return l.id
}

// DeviceID returns the device the listener is bound to, or "" before
// Subscribe.
func (l *Listener) DeviceID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceID
}

// Done is closed once the listener has been removed from the hub.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Exited is closed once the listener's writer goroutine has returned, so
// its sink will not be called again. It is never closed for a listener that
// was not subscribed.
func (l *Listener) Exited() <-chan struct{} {
	return l.exited
}

// Reason reports why the listener was removed, or "" while it is live.
func (l *Listener) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}
