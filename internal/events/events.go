// Package events provides structured event logging for the service core.
// Events capture significant occurrences such as lifecycle transitions,
// health classifications, fault detection and recovery actions, and are
// retained in a bounded ring buffer for later inspection.
package events

import (
	"sync"
	"time"

	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
)

// Type classifies the kind of event.
type Type string

const (
	// Lifecycle events.
	TypeServiceRegistered   Type = "service.registered"
	TypeServiceStarting     Type = "service.starting"
	TypeServiceStarted      Type = "service.started"
	TypeServiceStartFailed  Type = "service.start_failed"
	TypeServiceStopping     Type = "service.stopping"
	TypeServiceStopped      Type = "service.stopped"
	TypeServiceUpdated      Type = "service.updated"
	TypeServiceUnregistered Type = "service.unregistered"

	// Health events.
	TypeHealthDegraded  Type = "health.degraded"
	TypeHealthUnhealthy Type = "health.unhealthy"
	TypeHealthRecovered Type = "health.recovered"

	// Fault and recovery events.
	TypeFaultDetected      Type = "fault.detected"
	TypeRecoveryScheduled  Type = "recovery.scheduled"
	TypeRecoverySucceeded  Type = "recovery.succeeded"
	TypeRecoveryFailed     Type = "recovery.failed"
	TypeRecoveryExhausted  Type = "recovery.exhausted"

	// Dependency events.
	TypeDependencyMissing Type = "dependency.missing"
	TypeDependencyCycle   Type = "dependency.cycle"

	// Manager events.
	TypeManagerStarted  Type = "manager.started"
	TypeManagerStopping Type = "manager.stopping"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"

	// SeverityAlert marks events that require external attention, such as a
	// service left terminally failed after its restart budget was spent.
	SeverityAlert Severity = "alert"
)

// Event is a structured record of one occurrence.
type Event struct {
	Type      Type        `json:"type"`
	Severity  Severity    `json:"severity"`
	Timestamp time.Time   `json:"timestamp"`
	Service   service.ID  `json:"service,omitempty"`
	State     state.State `json:"state,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
}

// Handler processes events as they are logged.
type Handler func(Event)

// Logger is the event sink interface consumed by the core's components.
type Logger interface {
	Log(event Event)
	Subscribe(handler Handler) (unsubscribe func())
	Recent(n int) []Event
	RecentByService(id service.ID, n int) []Event
}

// Ring is a thread-safe circular event buffer.
type Ring struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers map[int64]Handler
	nextID   int64
}

// NewRing creates a ring buffer holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1024
	}
	return &Ring{
		events:   make([]Event, size),
		size:     size,
		handlers: make(map[int64]Handler),
	}
}

// Log records an event and notifies subscribers outside the lock.
func (r *Ring) Log(event Event) {
	r.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	r.events[r.head] = event
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler for every subsequent event. The returned
// function removes the subscription.
func (r *Ring) Subscribe(handler Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = handler
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, id)
	}
}

// Recent returns up to n events, most recent first.
func (r *Ring) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		out[i] = r.events[idx]
	}
	return out
}

// RecentByService returns up to n events for one service, most recent first.
func (r *Ring) RecentByService(id service.ID, n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || r.count == 0 {
		return nil
	}
	var out []Event
	for i := 0; i < r.count && len(out) < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		if r.events[idx].Service == id {
			out = append(out, r.events[idx])
		}
	}
	return out
}

// Count returns the number of buffered events.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Nop discards all events.
type Nop struct{}

func (Nop) Log(Event)                               {}
func (Nop) Subscribe(Handler) func()                { return func() {} }
func (Nop) Recent(int) []Event                      { return nil }
func (Nop) RecentByService(service.ID, int) []Event { return nil }

var (
	_ Logger = (*Ring)(nil)
	_ Logger = Nop{}
)
