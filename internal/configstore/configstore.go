// Package configstore loads and persists the manager's declarative
// configuration: tuning knobs plus the set of services to register at
// boot. Dependencies are declared by name and resolved to IDs when the
// manager applies the file.
package configstore

import (
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/helios-os/service_core/internal/service"
)

// DependencySpec declares a dependency by service name.
type DependencySpec struct {
	Name     string        `yaml:"name"`
	Required bool          `yaml:"required"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// ServiceSpec is a service declaration as it appears on disk.
type ServiceSpec struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name,omitempty"`
	Description string `yaml:"description,omitempty"`

	Type      service.Type           `yaml:"type"`
	Isolation service.IsolationLevel `yaml:"isolation,omitempty"`

	DependsOn []DependencySpec `yaml:"depends_on,omitempty"`

	AutoRestart  bool          `yaml:"auto_restart,omitempty"`
	RestartDelay time.Duration `yaml:"restart_delay,omitempty"`
	MaxRestarts  int           `yaml:"max_restarts,omitempty"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`

	Weight  int      `yaml:"weight,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	Command []string `yaml:"command,omitempty"`

	ResourceLimits *service.ResourceLimits `yaml:"resource_limits,omitempty"`
}

// Descriptor converts the spec to a registry descriptor, minus
// dependencies, which the caller resolves by name.
func (s ServiceSpec) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:                s.Name,
		DisplayName:         s.DisplayName,
		Description:         s.Description,
		Type:                s.Type,
		Isolation:           s.Isolation,
		AutoRestart:         s.AutoRestart,
		RestartDelay:        s.RestartDelay,
		MaxRestarts:         s.MaxRestarts,
		HealthCheckInterval: s.HealthCheckInterval,
		Weight:              s.Weight,
		Tags:                s.Tags,
		Command:             s.Command,
		ResourceLimits:      s.ResourceLimits,
	}
}

// ManagerConfig tunes the manager and its collaborators.
type ManagerConfig struct {
	// Balancer selects the load balancing strategy by name.
	Balancer string `yaml:"balancer,omitempty"`

	// RecoveryStrategy selects restart delay growth: restart, backoff
	// or none.
	RecoveryStrategy string `yaml:"recovery_strategy,omitempty"`

	HealthSweepSpec     string        `yaml:"health_sweep_spec,omitempty"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout,omitempty"`
	UnhealthyThreshold  int           `yaml:"unhealthy_threshold,omitempty"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes,omitempty"`

	EventBufferSize int `yaml:"event_buffer_size,omitempty"`

	MetricsNamespace string `yaml:"metrics_namespace,omitempty"`
	MetricsAddr      string `yaml:"metrics_addr,omitempty"`
}

// File is the on-disk configuration document.
type File struct {
	Manager  ManagerConfig `yaml:"manager"`
	Services []ServiceSpec `yaml:"services,omitempty"`
}

// ApplyDefaults fills unset manager fields.
func (f *File) ApplyDefaults() {
	if f.Manager.Balancer == "" {
		f.Manager.Balancer = "round_robin"
	}
	if f.Manager.RecoveryStrategy == "" {
		f.Manager.RecoveryStrategy = "restart"
	}
	if f.Manager.HealthSweepSpec == "" {
		f.Manager.HealthSweepSpec = "@every 5s"
	}
	if f.Manager.ProbeTimeout <= 0 {
		f.Manager.ProbeTimeout = 5 * time.Second
	}
	if f.Manager.UnhealthyThreshold <= 0 {
		f.Manager.UnhealthyThreshold = 3
	}
	if f.Manager.MaxConcurrentProbes <= 0 {
		f.Manager.MaxConcurrentProbes = 16
	}
	if f.Manager.EventBufferSize <= 0 {
		f.Manager.EventBufferSize = 1024
	}
	if f.Manager.MetricsNamespace == "" {
		f.Manager.MetricsNamespace = "servicecore"
	}
	if f.Manager.MetricsAddr == "" {
		f.Manager.MetricsAddr = ":9614"
	}
}

// validate rejects documents the manager could not apply.
func (f *File) validate() error {
	seen := make(map[string]struct{}, len(f.Services))
	for i, spec := range f.Services {
		if spec.Name == "" {
			return fmt.Errorf("%w: services[%d]: name is required", service.ErrConfiguration, i)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("%w: duplicate service name %q", service.ErrConfiguration, spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	// Dependencies must name services declared in the same file, and
	// earlier than their dependents so registration succeeds in order.
	declared := make(map[string]struct{}, len(f.Services))
	for _, spec := range f.Services {
		for _, dep := range spec.DependsOn {
			if _, ok := declared[dep.Name]; !ok {
				return fmt.Errorf("%w: service %q depends on %q which is not declared before it",
					service.ErrConfiguration, spec.Name, dep.Name)
			}
		}
		declared[spec.Name] = struct{}{}
	}
	return nil
}

// Store persists configuration documents.
type Store interface {
	Load() (*File, error)
	Save(*File) error
}

// FileStore reads and writes a YAML document at a fixed path. Writes
// are atomic: the document is staged to a temp file and renamed over
// the target.
type FileStore struct {
	path string
}

// NewFileStore creates a store for the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store. A missing file yields an empty document with
// defaults applied.
func (s *FileStore) Load() (*File, error) {
	var f File
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// First boot.
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", service.ErrConfiguration, s.path, err)
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", service.ErrConfiguration, s.path, err)
		}
	}

	f.ApplyDefaults()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Save implements Store.
func (s *FileStore) Save(f *File) error {
	if err := f.validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", service.ErrConfiguration, err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", service.ErrConfiguration, s.path, err)
	}
	return nil
}

// MemoryStore keeps the document in memory, for tests and embedding.
type MemoryStore struct {
	file *File
}

// NewMemoryStore creates a store pre-loaded with f. A nil f behaves
// like a missing file.
func NewMemoryStore(f *File) *MemoryStore {
	return &MemoryStore{file: f}
}

// Load implements Store.
func (s *MemoryStore) Load() (*File, error) {
	var f File
	if s.file != nil {
		f = *s.file
	}
	f.ApplyDefaults()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Save implements Store.
func (s *MemoryStore) Save(f *File) error {
	if err := f.validate(); err != nil {
		return err
	}
	copied := *f
	s.file = &copied
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
