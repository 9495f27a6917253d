// Package runtime abstracts how services actually execute. The core
// drives lifecycle through the Backend interface; process execution and
// the test double live here.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/helios-os/service_core/internal/service"
)

// Backend errors.
var (
	ErrNoCommand       = errors.New("descriptor has no command")
	ErrNotSpawned      = errors.New("service has no live execution context")
	ErrAlreadySpawned  = errors.New("service already has a live execution context")
	ErrSpawnFailed     = errors.New("spawn failed")
	ErrTerminateFailed = errors.New("terminate failed")
)

// ProcessInfo is a point-in-time view of a spawned execution context.
type ProcessInfo struct {
	PID        int32         `json:"pid"`
	Alive      bool          `json:"alive"`
	CPUPercent float64       `json:"cpu_percent"`
	MemoryRSS  uint64        `json:"memory_rss"`
	Uptime     time.Duration `json:"uptime"`
}

// Backend spawns and terminates service execution contexts. Group
// services never reach a backend; the manager short-circuits them.
type Backend interface {
	// Spawn starts the service's command and attaches the execution
	// context to the handle.
	Spawn(ctx context.Context, h *service.Handle) error

	// Terminate stops the execution context, escalating from graceful
	// signal to kill within the context's deadline.
	Terminate(ctx context.Context, h *service.Handle) error

	// Status inspects the live execution context.
	Status(h *service.Handle) (ProcessInfo, error)
}
