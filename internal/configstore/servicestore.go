package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/helios-os/service_core/internal/service"
)

// ServiceConfig is per-service configuration carried opaquely through
// the manager: only load, save and update success matter to the core.
// Version increments on every save or update.
type ServiceConfig struct {
	Version     int               `yaml:"version"`
	Settings    map[string]string `yaml:"settings,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// ServiceStore persists per-service configuration, keyed by the
// service's unique name.
type ServiceStore interface {
	LoadConfig(name string) (ServiceConfig, error)
	SaveConfig(name string, cfg ServiceConfig) error
	// UpdateConfig merges partial into the stored settings, creating
	// the configuration when none exists yet.
	UpdateConfig(name string, partial map[string]string) error
}

// DirStore keeps one YAML file per service under a directory. Writes
// are atomic, same staging scheme as FileStore.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

// NewDirStore creates a per-service store rooted at dir. The directory
// is created on first write.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// LoadConfig implements ServiceStore.
func (s *DirStore) LoadConfig(name string) (ServiceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg ServiceConfig
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return ServiceConfig{}, fmt.Errorf("%w: no configuration for service %q", service.ErrConfiguration, name)
	}
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("%w: read config for %q: %v", service.ErrConfiguration, name, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("%w: parse config for %q: %v", service.ErrConfiguration, name, err)
	}
	return cfg, nil
}

// SaveConfig implements ServiceStore.
func (s *DirStore) SaveConfig(name string, cfg ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev ServiceConfig
	if data, err := os.ReadFile(s.path(name)); err == nil {
		_ = yaml.Unmarshal(data, &prev)
	}
	cfg.Version = prev.Version + 1
	return s.writeLocked(name, cfg)
}

// UpdateConfig implements ServiceStore.
func (s *DirStore) UpdateConfig(name string, partial map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg ServiceConfig
	data, err := os.ReadFile(s.path(name))
	switch {
	case os.IsNotExist(err):
		// First write for this service.
	case err != nil:
		return fmt.Errorf("%w: read config for %q: %v", service.ErrConfiguration, name, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("%w: parse config for %q: %v", service.ErrConfiguration, name, err)
		}
	}

	if cfg.Settings == nil {
		cfg.Settings = make(map[string]string, len(partial))
	}
	for k, v := range partial {
		cfg.Settings[k] = v
	}
	cfg.Version++
	return s.writeLocked(name, cfg)
}

func (s *DirStore) writeLocked(name string, cfg ServiceConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create config dir: %v", service.ErrConfiguration, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: marshal config for %q: %v", service.ErrConfiguration, name, err)
	}
	if err := renameio.WriteFile(s.path(name), data, 0o644); err != nil {
		return fmt.Errorf("%w: write config for %q: %v", service.ErrConfiguration, name, err)
	}
	return nil
}

// MemoryServiceStore keeps per-service configuration in memory, for
// tests and embedding.
type MemoryServiceStore struct {
	mu      sync.Mutex
	configs map[string]ServiceConfig
}

// NewMemoryServiceStore creates an empty in-memory store.
func NewMemoryServiceStore() *MemoryServiceStore {
	return &MemoryServiceStore{configs: make(map[string]ServiceConfig)}
}

// LoadConfig implements ServiceStore.
func (s *MemoryServiceStore) LoadConfig(name string) (ServiceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[name]
	if !ok {
		return ServiceConfig{}, fmt.Errorf("%w: no configuration for service %q", service.ErrConfiguration, name)
	}
	return cloneConfig(cfg), nil
}

// SaveConfig implements ServiceStore.
func (s *MemoryServiceStore) SaveConfig(name string, cfg ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cloneConfig(cfg)
	cfg.Version = s.configs[name].Version + 1
	s.configs[name] = cfg
	return nil
}

// UpdateConfig implements ServiceStore.
func (s *MemoryServiceStore) UpdateConfig(name string, partial map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := cloneConfig(s.configs[name])
	if cfg.Settings == nil {
		cfg.Settings = make(map[string]string, len(partial))
	}
	for k, v := range partial {
		cfg.Settings[k] = v
	}
	cfg.Version++
	s.configs[name] = cfg
	return nil
}

func cloneConfig(cfg ServiceConfig) ServiceConfig {
	out := cfg
	if cfg.Settings != nil {
		out.Settings = make(map[string]string, len(cfg.Settings))
		for k, v := range cfg.Settings {
			out.Settings[k] = v
		}
	}
	if cfg.Environment != nil {
		out.Environment = make(map[string]string, len(cfg.Environment))
		for k, v := range cfg.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

var (
	_ ServiceStore = (*DirStore)(nil)
	_ ServiceStore = (*MemoryServiceStore)(nil)
)
