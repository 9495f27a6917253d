package service

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the service management taxonomy. Callers match with
// errors.Is; typed errors below wrap the sentinels and carry context.
var (
	// ErrServiceNotFound indicates the requested ID or name is not registered.
	ErrServiceNotFound = errors.New("service not found")

	// ErrDuplicateName indicates a registration collided on the unique name.
	ErrDuplicateName = errors.New("service name already registered")

	// ErrInvalidDescriptor indicates the descriptor failed validation.
	ErrInvalidDescriptor = errors.New("invalid service descriptor")

	// ErrCircularDependency indicates dependency resolution found a cycle.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrDependencyUnsatisfied indicates a required dependency did not reach
	// Running within its timeout.
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")

	// ErrAlreadyRunning is a non-fatal signal that a start was a no-op.
	// The manager masks it; batch operations use it to skip instead.
	ErrAlreadyRunning = errors.New("service already running")

	// ErrServiceActive indicates an operation requires the service to be
	// inactive, but it is starting, running or stopping.
	ErrServiceActive = errors.New("service is active")

	// ErrHealthCheckFailed indicates a probe classified the service Unhealthy.
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrHealthCheckTimeout indicates a probe exceeded its bounded timeout.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrRestartBudgetExhausted indicates max_restarts has been spent and the
	// service is terminally failed.
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

	// ErrNoHealthyInstance indicates load balancing found no eligible instance.
	ErrNoHealthyInstance = errors.New("no healthy instance")

	// ErrInvalidPattern indicates a discovery pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid discovery pattern")

	// ErrServiceDisabled indicates the service is administratively disabled.
	ErrServiceDisabled = errors.New("service disabled")

	// ErrConfiguration indicates a failure in the configuration collaborator.
	ErrConfiguration = errors.New("configuration error")
)

// DescriptorError reports which descriptor field failed validation.
type DescriptorError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid descriptor: %s %s", e.Field, e.Reason)
}

// Unwrap ties DescriptorError into the sentinel taxonomy.
func (e *DescriptorError) Unwrap() error { return ErrInvalidDescriptor }

// CycleError names a service on a detected dependency cycle.
type CycleError struct {
	// ID is a member of the cycle.
	ID ID
}

// NewCycleError wraps an ID found on the current resolution path.
func NewCycleError(id ID) *CycleError {
	return &CycleError{ID: id}
}

// Error implements error.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency involving service %d", e.ID)
}

// Unwrap ties CycleError into the sentinel taxonomy.
func (e *CycleError) Unwrap() error { return ErrCircularDependency }

// DependencyError names exactly which dependency blocked a start.
type DependencyError struct {
	// Service is the service whose start was blocked.
	Service ID

	// Dependency is the dependency that failed to reach Running.
	Dependency ID

	// Timeout is the bound that was exceeded, zero when the dependency
	// failed outright.
	Timeout time.Duration

	// Reason describes the blocking condition.
	Reason string
}

// Error implements error.
func (e *DependencyError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("service %d: dependency %d %s within %s",
			e.Service, e.Dependency, e.Reason, e.Timeout)
	}
	return fmt.Sprintf("service %d: dependency %d %s", e.Service, e.Dependency, e.Reason)
}

// Unwrap ties DependencyError into the sentinel taxonomy.
func (e *DependencyError) Unwrap() error { return ErrDependencyUnsatisfied }
