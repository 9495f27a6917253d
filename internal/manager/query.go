package manager

import (
	"time"

	"github.com/helios-os/service_core/internal/configstore"
	"github.com/helios-os/service_core/internal/discovery"
	"github.com/helios-os/service_core/internal/events"
	"github.com/helios-os/service_core/internal/health"
	"github.com/helios-os/service_core/internal/recovery"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
)

// GetService returns a point-in-time snapshot of a service.
func (m *Manager) GetService(id service.ID) (service.Snapshot, error) {
	h, err := m.registry.Get(id)
	if err != nil {
		return service.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

// GetServiceByName returns a snapshot by exact name.
func (m *Manager) GetServiceByName(name string) (service.Snapshot, error) {
	h, err := m.registry.GetByName(name)
	if err != nil {
		return service.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

// ListServices returns snapshots of every registered service in
// ascending ID order.
func (m *Manager) ListServices() []service.Snapshot {
	handles := m.registry.List()
	out := make([]service.Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out
}

// ServiceEndpoint returns the opaque endpoint assigned at registration.
func (m *Manager) ServiceEndpoint(id service.ID) (string, error) {
	return m.registry.Endpoint(id)
}

// DiscoverServices resolves a name pattern to matching snapshots.
func (m *Manager) DiscoverServices(pattern string) ([]service.Snapshot, error) {
	handles, err := m.discovery.Discover(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]service.Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out, nil
}

// DiscoverServicesByFilter resolves a filtered query to matching
// snapshots.
func (m *Manager) DiscoverServicesByFilter(f discovery.Filter) ([]service.Snapshot, error) {
	handles, err := m.discovery.DiscoverByFilter(f)
	if err != nil {
		return nil, err
	}
	out := make([]service.Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out, nil
}

// DiscoverByTag returns snapshots of services carrying the tag.
func (m *Manager) DiscoverByTag(tag string) []service.Snapshot {
	handles := m.discovery.DiscoverByTag(tag)
	out := make([]service.Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out
}

// GetServiceInstance load-balances across the services matching the
// pattern and returns the chosen instance. The caller should pair it
// with ReleaseServiceInstance when the interaction ends.
func (m *Manager) GetServiceInstance(pattern string) (service.Snapshot, error) {
	handles, err := m.discovery.Discover(pattern)
	if err != nil {
		return service.Snapshot{}, err
	}
	picked, err := m.balancer.Pick(pattern, handles)
	if err != nil {
		return service.Snapshot{}, err
	}
	return picked.Snapshot(), nil
}

// ReleaseServiceInstance returns a balanced connection.
func (m *Manager) ReleaseServiceInstance(id service.ID) {
	m.balancer.Release(id)
}

// CheckServiceHealth probes a service immediately and returns the report.
func (m *Manager) CheckServiceHealth(id service.ID) (health.Report, error) {
	h, err := m.registry.Get(id)
	if err != nil {
		return health.Report{}, err
	}
	return m.monitor.Check(h), nil
}

// ServiceHealth returns the last recorded report without probing.
func (m *Manager) ServiceHealth(id service.ID) health.Report {
	return m.monitor.Status(id)
}

// ServiceConfig loads the persisted configuration for a service. The
// contents are opaque to the manager.
func (m *Manager) ServiceConfig(id service.ID) (configstore.ServiceConfig, error) {
	h, err := m.registry.Get(id)
	if err != nil {
		return configstore.ServiceConfig{}, err
	}
	return m.configs.LoadConfig(h.Name())
}

// SaveServiceConfig persists a service's configuration.
func (m *Manager) SaveServiceConfig(id service.ID, cfg configstore.ServiceConfig) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	return m.configs.SaveConfig(h.Name(), cfg)
}

// UpdateServiceConfig merges partial settings into a service's
// persisted configuration.
func (m *Manager) UpdateServiceConfig(id service.ID, partial map[string]string) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	return m.configs.UpdateConfig(h.Name(), partial)
}

// QueryHistory returns recent discovery queries, most recent first.
func (m *Manager) QueryHistory() []discovery.QueryRecord {
	return m.discovery.History()
}

// DiscoveryStats returns aggregate discovery statistics.
func (m *Manager) DiscoveryStats() discovery.Stats {
	return m.discovery.Stats()
}

// FaultHistory returns recent detected faults, oldest first.
func (m *Manager) FaultHistory() []recovery.Fault {
	return m.recovery.History()
}

// RecentEvents returns the newest n events from the event log.
func (m *Manager) RecentEvents(n int) []events.Event {
	return m.events.Recent(n)
}

// SubscribeEvents registers a handler for future events and returns an
// unsubscribe function.
func (m *Manager) SubscribeEvents(fn events.Handler) func() {
	return m.events.Subscribe(fn)
}

// Stats is the aggregate view of the manager.
type Stats struct {
	Registered    int            `json:"registered"`
	ByState       map[string]int `json:"by_state"`
	TotalRestarts int            `json:"total_restarts"`
	Uptime        time.Duration  `json:"uptime"`

	Discovery discovery.Stats `json:"discovery"`
}

// Stats aggregates counts across the core.
func (m *Manager) Stats() Stats {
	s := Stats{
		ByState:   make(map[string]int),
		Discovery: m.discovery.Stats(),
	}
	for _, h := range m.registry.List() {
		s.Registered++
		s.ByState[h.State().String()]++
		s.TotalRestarts += h.RestartCount()
	}

	m.mu.Lock()
	if m.started {
		s.Uptime = time.Since(m.startedAt)
	}
	m.mu.Unlock()

	m.metrics.UpdateUptime()
	return s
}

// RunningCount returns how many services are currently Running.
func (m *Manager) RunningCount() int {
	n := 0
	for _, h := range m.registry.List() {
		if h.State() == state.StateRunning {
			n++
		}
	}
	return n
}
