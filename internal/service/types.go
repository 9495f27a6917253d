// Package service defines the core data model of the service management
// framework: identifiers, descriptors, dependencies and the live handle that
// owns a service's mutable state.
package service

import (
	"fmt"
	"strings"
	"time"
)

// ID is an opaque service identifier. IDs are assigned monotonically at
// registration and remain stable for the lifetime of the manager.
type ID uint64

// Type classifies a service for startup policy and index lookups.
type Type string

const (
	// TypeSystem services run with elevated privileges during boot.
	TypeSystem Type = "system"

	// TypeUser services run in a restricted context.
	TypeUser Type = "user"

	// TypeGroup services aggregate member services and carry no runtime
	// context of their own.
	TypeGroup Type = "group"
)

// IsolationLevel describes how strongly the runtime backend should isolate
// the service's execution context. The core carries it opaquely.
type IsolationLevel string

const (
	IsolationNone      IsolationLevel = "none"
	IsolationProcess   IsolationLevel = "process"
	IsolationContainer IsolationLevel = "container"
	IsolationVM        IsolationLevel = "vm"
)

// ResourceLimits are declared limits passed through to the runtime backend.
// The core never interprets them.
type ResourceLimits struct {
	MaxMemoryBytes     uint64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MaxCPUPercent      uint8  `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxFileDescriptors uint32 `yaml:"max_file_descriptors" json:"max_file_descriptors"`
	MaxThreads         uint32 `yaml:"max_threads" json:"max_threads"`
}

// Dependency declares that a service requires (or prefers) another service
// to be running before it starts.
type Dependency struct {
	// ID of the dependency service.
	ID ID `yaml:"id" json:"id"`

	// Required dependencies must reach Running within Timeout or the
	// dependent's start fails. Non-required dependencies are best effort:
	// the wait is bounded by the same Timeout, after which the start
	// proceeds anyway.
	Required bool `yaml:"required" json:"required"`

	// Timeout bounds the wait for this dependency to reach Running.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Descriptor is the declarative definition of a service. The name is the
// unique discovery key and is immutable after registration.
type Descriptor struct {
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Type           Type            `yaml:"type" json:"type"`
	Dependencies   []Dependency    `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ResourceLimits *ResourceLimits `yaml:"resource_limits,omitempty" json:"resource_limits,omitempty"`
	Isolation      IsolationLevel  `yaml:"isolation" json:"isolation"`

	// Restart policy applied by the recovery manager.
	AutoRestart  bool          `yaml:"auto_restart" json:"auto_restart"`
	RestartDelay time.Duration `yaml:"restart_delay" json:"restart_delay"`
	MaxRestarts  int           `yaml:"max_restarts" json:"max_restarts"`

	// HealthCheckInterval is the minimum interval between health probes.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// Weight biases weighted load balancing toward this instance.
	// Defaults to 1.
	Weight int `yaml:"weight,omitempty" json:"weight,omitempty"`

	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Command is the execution request handed opaquely to the runtime
	// backend. Empty for group services.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
}

// Validate checks the descriptor for the fields registration requires.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &DescriptorError{Field: "name", Reason: "must not be empty"}
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return &DescriptorError{Field: "name", Reason: "must not contain whitespace"}
	}
	switch d.Type {
	case TypeSystem, TypeUser, TypeGroup:
	case "":
		return &DescriptorError{Field: "type", Reason: "must not be empty"}
	default:
		return &DescriptorError{Field: "type", Reason: "unknown service type " + string(d.Type)}
	}
	if d.MaxRestarts < 0 {
		return &DescriptorError{Field: "max_restarts", Reason: "must not be negative"}
	}
	if d.RestartDelay < 0 {
		return &DescriptorError{Field: "restart_delay", Reason: "must not be negative"}
	}
	if d.Weight < 0 {
		return &DescriptorError{Field: "weight", Reason: "must not be negative"}
	}
	for i, dep := range d.Dependencies {
		if dep.Timeout < 0 {
			return &DescriptorError{Field: "dependencies", Reason: fmt.Sprintf("negative timeout at index %d", i)}
		}
	}
	return nil
}

// Normalize trims and defaults descriptor fields in place. Called once at
// registration so the rest of the core never re-checks defaults.
func (d *Descriptor) Normalize() {
	d.Name = strings.TrimSpace(d.Name)
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	if d.Isolation == "" {
		d.Isolation = IsolationProcess
	}
	if d.HealthCheckInterval <= 0 {
		d.HealthCheckInterval = 30 * time.Second
	}
	if d.Weight == 0 {
		d.Weight = 1
	}
	d.Tags = dedupeTags(d.Tags)
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
