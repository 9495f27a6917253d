package service

import (
	"sync"
	"time"

	"github.com/helios-os/service_core/internal/state"
)

// Handle owns one service's descriptor and live state. All mutable fields
// are guarded by the handle's own lock so health monitoring, recovery and
// control operations can run concurrently without contending on other
// services' handles.
type Handle struct {
	id   ID
	desc Descriptor

	mu              sync.Mutex
	st              state.State
	enabled         bool
	restartCount    int
	lastError       error
	lastHealthCheck time.Time
	startedAt       time.Time
	stoppedAt       time.Time
	updatedAt       time.Time

	// backend is the opaque reference returned by the runtime backend's
	// spawn. Nil while no execution context exists.
	backend any
}

// Snapshot is a point-in-time copy of a handle's live state.
type Snapshot struct {
	ID              ID
	Name            string
	Type            Type
	State           state.State
	Enabled         bool
	RestartCount    int
	LastError       error
	LastHealthCheck time.Time
	StartedAt       time.Time
	StoppedAt       time.Time
	UpdatedAt       time.Time
}

// NewHandle creates a handle in the Registered state. The descriptor is
// normalized once here; its identity (name) is immutable afterwards.
func NewHandle(id ID, desc Descriptor) *Handle {
	desc.Normalize()
	return &Handle{
		id:        id,
		desc:      desc,
		st:        state.StateRegistered,
		enabled:   true,
		updatedAt: time.Now(),
	}
}

// ID returns the service identifier.
func (h *Handle) ID() ID { return h.id }

// Descriptor returns a copy of the descriptor.
func (h *Handle) Descriptor() Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desc
}

// Name returns the unique discovery name.
func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desc.Name
}

// UpdateDescriptor replaces the descriptor. The caller (the registry)
// guarantees the name is unchanged; the descriptor is already
// normalized.
func (h *Handle) UpdateDescriptor(desc Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.desc = desc
	h.updatedAt = time.Now()
}

// State returns the current lifecycle state.
func (h *Handle) State() state.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

// Transition moves the handle to the given state if the transition is legal,
// timestamping the change. Returns state.TransitionError otherwise.
func (h *Handle) Transition(to state.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !state.CanTransition(h.st, to) {
		return state.NewTransitionError(h.st, to)
	}
	h.applyLocked(to)
	return nil
}

// TransitionFrom performs a compare-and-transition: it succeeds only when the
// handle is still in from. Used by asynchronous callers (health monitor,
// recovery) so a concurrent control operation cannot be clobbered.
func (h *Handle) TransitionFrom(from, to state.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.st != from {
		return state.NewTransitionError(h.st, to)
	}
	if !state.CanTransition(from, to) {
		return state.NewTransitionError(from, to)
	}
	h.applyLocked(to)
	return nil
}

func (h *Handle) applyLocked(to state.State) {
	now := time.Now()
	h.st = to
	h.updatedAt = now
	switch to {
	case state.StateRunning:
		h.startedAt = now
	case state.StateStopped, state.StateFailed:
		h.stoppedAt = now
	}
}

// SetLastError records the most recent failure cause.
func (h *Handle) SetLastError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = err
}

// LastError returns the most recent failure cause.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// RestartCount returns the number of recovery restarts performed so far.
func (h *Handle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restartCount
}

// IncrementRestarts bumps the restart counter and returns the new value.
func (h *Handle) IncrementRestarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restartCount++
	return h.restartCount
}

// ResetRestarts clears the restart counter after a stable recovery.
func (h *Handle) ResetRestarts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restartCount = 0
}

// MarkHealthChecked records the time of the latest health probe.
func (h *Handle) MarkHealthChecked(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHealthCheck = t
}

// LastHealthCheck returns the time of the latest health probe.
func (h *Handle) LastHealthCheck() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHealthCheck
}

// SetEnabled flags whether the service starts during boot.
func (h *Handle) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

// Enabled reports whether the service starts during boot.
func (h *Handle) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// SetBackend stores the runtime backend reference for the live execution
// context; nil clears it.
func (h *Handle) SetBackend(ref any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backend = ref
}

// Backend returns the runtime backend reference, nil when none exists.
func (h *Handle) Backend() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backend
}

// Snapshot returns a consistent copy of the live state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:              h.id,
		Name:            h.desc.Name,
		Type:            h.desc.Type,
		State:           h.st,
		Enabled:         h.enabled,
		RestartCount:    h.restartCount,
		LastError:       h.lastError,
		LastHealthCheck: h.lastHealthCheck,
		StartedAt:       h.startedAt,
		StoppedAt:       h.stoppedAt,
		UpdatedAt:       h.updatedAt,
	}
}
