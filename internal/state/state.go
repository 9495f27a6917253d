// Package state defines the service lifecycle state machine shared across
// the manager, health monitor and recovery manager. Keeping the definitions
// in one place ensures every component agrees on which transitions are legal.
package state

import (
	"encoding/json"
	"fmt"
)

// State represents the lifecycle state of a service.
type State int32

const (
	// StateUninitialized indicates a service that has not been registered yet.
	StateUninitialized State = iota

	// StateRegistered indicates the service is known to the manager but has
	// never been started.
	StateRegistered

	// StateStarting indicates a start has been dispatched to the runtime
	// backend and dependencies are being waited on.
	StateStarting

	// StateRunning indicates the service started successfully.
	StateRunning

	// StateStopping indicates a graceful shutdown is in progress.
	StateStopping

	// StateStopped indicates the service stopped cleanly.
	StateStopped

	// StateFailed indicates the service failed during start or while running.
	// Failed becomes terminal once the restart budget is exhausted.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistered:
		return "registered"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Parse(str)
	return nil
}

// Parse converts a string to a State. Unknown strings map to
// StateUninitialized.
func Parse(s string) State {
	switch s {
	case "registered":
		return StateRegistered
	case "starting":
		return StateStarting
	case "running", "started":
		return StateRunning
	case "stopping":
		return StateStopping
	case "stopped":
		return StateStopped
	case "failed":
		return StateFailed
	default:
		return StateUninitialized
	}
}

// IsActive returns true for states in which the runtime backend may hold a
// live execution context for the service.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// CanStart returns true if a start may be attempted from this state.
// Starting from StateFailed is additionally gated by the restart budget,
// which the recovery manager enforces.
func (s State) CanStart() bool {
	return s == StateRegistered || s == StateStopped || s == StateFailed
}

// CanStop returns true if a stop may be attempted from this state.
func (s State) CanStop() bool {
	return s == StateRunning || s == StateStarting
}

// ValidTransitions defines the allowed state transitions.
//
// Running -> Failed is driven only by the health monitor and fault detector;
// Failed -> Starting only by the recovery manager or an explicit restart.
var ValidTransitions = map[State][]State{
	StateUninitialized: {StateRegistered},
	StateRegistered:    {StateStarting},
	StateStarting:      {StateRunning, StateFailed, StateStopping},
	StateRunning:       {StateStopping, StateFailed},
	StateStopping:      {StateStopped, StateFailed},
	StateStopped:       {StateStarting},
	StateFailed:        {StateStarting},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted invalid state transition.
type TransitionError struct {
	From State
	To   State
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a TransitionError.
func NewTransitionError(from, to State) TransitionError {
	return TransitionError{From: from, To: to}
}
