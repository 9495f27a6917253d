// Package manager is the facade over the service core: it owns the
// registry, resolver, discovery, health monitor, recovery manager,
// balancer and runtime backend, and drives every lifecycle operation
// through them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/helios-os/service_core/internal/balancer"
	"github.com/helios-os/service_core/internal/configstore"
	"github.com/helios-os/service_core/internal/discovery"
	"github.com/helios-os/service_core/internal/events"
	"github.com/helios-os/service_core/internal/health"
	"github.com/helios-os/service_core/internal/metrics"
	"github.com/helios-os/service_core/internal/recovery"
	"github.com/helios-os/service_core/internal/registry"
	"github.com/helios-os/service_core/internal/resolver"
	"github.com/helios-os/service_core/internal/runtime"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
	"github.com/helios-os/service_core/pkg/logger"
)

const (
	// depWaitTick is the poll interval while waiting for a dependency
	// to reach Running.
	depWaitTick = 50 * time.Millisecond

	// defaultDepTimeout bounds dependency waits that declare none.
	defaultDepTimeout = 30 * time.Second
)

// Manager wires the service core together.
type Manager struct {
	cfg configstore.ManagerConfig

	registry  *registry.Registry
	resolver  *resolver.Resolver
	discovery *discovery.Discovery
	monitor   *health.Monitor
	recovery  *recovery.Manager
	balancer  *balancer.Balancer
	backend   runtime.Backend
	configs   configstore.ServiceStore

	events  events.Logger
	metrics metrics.Recorder
	log     *logger.Logger

	mu        sync.Mutex
	started   bool
	startedAt time.Time
}

// Options override the manager's default collaborators.
type Options struct {
	Config  configstore.ManagerConfig
	Backend runtime.Backend
	Prober  health.Prober
	Metrics metrics.Recorder
	Events  events.Logger
	Logger  *logger.Logger

	// ServiceConfigs persists per-service configuration. Defaults to an
	// in-memory store.
	ServiceConfigs configstore.ServiceStore
}

// New builds a manager. Zero-value options give a process backend, a
// backend-status prober, an in-memory event ring and no-op metrics.
func New(opts Options) (*Manager, error) {
	doc := configstore.File{Manager: opts.Config}
	doc.ApplyDefaults()
	cfg := doc.Manager

	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	evs := opts.Events
	if evs == nil {
		size := cfg.EventBufferSize
		if size <= 0 {
			size = 1024
		}
		evs = events.NewRing(size)
	}
	backend := opts.Backend
	if backend == nil {
		backend = runtime.NewExecBackend(log.WithField("component", "runtime"))
	}
	configs := opts.ServiceConfigs
	if configs == nil {
		configs = configstore.NewMemoryServiceStore()
	}

	m := &Manager{
		cfg:     cfg,
		backend: backend,
		configs: configs,
		events:  evs,
		metrics: rec,
		log:     log,
	}

	m.registry = registry.New(log.WithField("component", "registry"))
	m.resolver = resolver.New(m.registry)

	strategy, ok := balancer.ForName(cfg.Balancer, time.Now().UnixNano())
	if !ok {
		return nil, fmt.Errorf("%w: unknown balancer strategy %q", service.ErrConfiguration, cfg.Balancer)
	}

	prober := opts.Prober
	if prober == nil {
		prober = health.ProberFunc(m.probeBackend)
	}
	m.monitor = health.NewMonitor(m.registry, prober, health.Config{
		ProbeTimeout:        cfg.ProbeTimeout,
		UnhealthyThreshold:  cfg.UnhealthyThreshold,
		SweepSpec:           cfg.HealthSweepSpec,
		MaxConcurrentProbes: cfg.MaxConcurrentProbes,
	},
		health.WithMetrics(rec),
		health.WithEvents(evs),
		health.WithLogger(log.WithField("component", "health")),
		health.WithFaultHandler(m.onHealthFault),
	)

	m.discovery = discovery.New(m.registry,
		discovery.WithMetrics(rec),
		discovery.WithLogger(log.WithField("component", "discovery")),
		discovery.WithHealthSource(m.monitor),
	)

	m.balancer = balancer.New(strategy,
		balancer.WithMetrics(rec),
		balancer.WithHealthSource(m.monitor),
	)
	if lc, ok := strategy.(*balancer.LeastConnections); ok {
		lc.Bind(m.balancer)
	}

	recoveryCfg := recovery.DefaultConfig()
	recoveryCfg.Strategy = recovery.Strategy(cfg.RecoveryStrategy)
	if recoveryCfg.Strategy == "" {
		recoveryCfg.Strategy = recovery.StrategyRestart
	}
	m.recovery = recovery.NewManager(faultRestarter{m}, recoveryCfg,
		recovery.WithMetrics(rec),
		recovery.WithEvents(evs),
		recovery.WithLogger(log.WithField("component", "recovery")),
	)

	return m, nil
}

// faultRestarter is the recovery manager's view of the manager. It
// restarts without resetting the restart budget.
type faultRestarter struct{ m *Manager }

func (r faultRestarter) RestartService(ctx context.Context, id service.ID) error {
	return r.m.restart(ctx, id, false)
}

// Start begins background work: the health sweep.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	if err := m.monitor.Start(); err != nil {
		return err
	}
	m.started = true
	m.startedAt = time.Now()
	m.events.Log(events.Event{Type: events.TypeManagerStarted, Severity: events.SeverityInfo})
	m.log.Info("service manager started")
	return nil
}

// Shutdown stops every running service in reverse dependency order,
// then halts the monitor and recovery manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	wasStarted := m.started
	m.started = false
	m.mu.Unlock()

	if wasStarted {
		m.events.Log(events.Event{Type: events.TypeManagerStopping, Severity: events.SeverityInfo})
		m.log.Info("service manager stopping")
	}

	// No new recovery restarts during shutdown.
	m.recovery.Shutdown()

	err := m.StopServicesInOrder(ctx, m.runningIDs())
	m.monitor.Stop()
	return err
}

// RegisterService adds a service and returns its assigned ID.
func (m *Manager) RegisterService(desc service.Descriptor) (service.ID, error) {
	h, err := m.registry.Register(desc)
	if err != nil {
		return 0, err
	}
	m.discovery.Invalidate()
	m.events.Log(events.Event{
		Type:     events.TypeServiceRegistered,
		Severity: events.SeverityInfo,
		Service:  h.ID(),
		State:    state.StateRegistered,
	})
	m.recordState(h)
	return h.ID(), nil
}

// UpdateService replaces a service's descriptor. The name cannot
// change; type and tag index membership follows the new descriptor.
func (m *Manager) UpdateService(id service.ID, desc service.Descriptor) error {
	if err := m.registry.Update(id, desc); err != nil {
		return err
	}
	m.discovery.Invalidate()
	m.events.Log(events.Event{
		Type:     events.TypeServiceUpdated,
		Severity: events.SeverityInfo,
		Service:  id,
	})
	return nil
}

// UnregisterService removes a stopped, undepended-on service.
func (m *Manager) UnregisterService(id service.ID) error {
	if err := m.registry.Unregister(id); err != nil {
		return err
	}
	m.discovery.Invalidate()
	m.monitor.Forget(id)
	m.events.Log(events.Event{
		Type:     events.TypeServiceUnregistered,
		Severity: events.SeverityInfo,
		Service:  id,
	})
	return nil
}

// StartService transitions a service to Running: it waits for declared
// dependencies, spawns the runtime context and publishes the state.
// Starting an already-Running service is a no-op success.
func (m *Manager) StartService(ctx context.Context, id service.ID) error {
	err := m.start(ctx, id, false)
	if errors.Is(err, service.ErrAlreadyRunning) {
		return nil
	}
	return err
}

// start is StartService minus the idempotency masking: an already-
// Running service yields service.ErrAlreadyRunning so batch callers
// can tell a no-op from a fresh start. spentBudgetOK lets the restart
// path start a terminally failed service; the budget is reset (manual
// restart) or bounded (recovery counts its own attempts) there.
func (m *Manager) start(ctx context.Context, id service.ID, spentBudgetOK bool) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if !h.Enabled() {
		return service.ErrServiceDisabled
	}
	if h.State() == state.StateRunning {
		return service.ErrAlreadyRunning
	}
	if desc := h.Descriptor(); !spentBudgetOK && h.State() == state.StateFailed &&
		desc.MaxRestarts > 0 && h.RestartCount() >= desc.MaxRestarts {
		// Terminally failed. Only EnableService or a manual restart
		// grant a fresh budget.
		return service.ErrRestartBudgetExhausted
	}

	began := time.Now()
	if err := h.Transition(state.StateStarting); err != nil {
		return err
	}
	m.events.Log(events.Event{
		Type:     events.TypeServiceStarting,
		Severity: events.SeverityInfo,
		Service:  id,
		State:    state.StateStarting,
	})
	m.recordState(h)

	fail := func(cause error) error {
		h.SetLastError(cause)
		_ = h.TransitionFrom(state.StateStarting, state.StateFailed)
		m.events.Log(events.Event{
			Type:     events.TypeServiceStartFailed,
			Severity: events.SeverityError,
			Service:  id,
			State:    state.StateFailed,
			Error:    cause.Error(),
		})
		m.recordState(h)
		m.metrics.RecordStart(h.Name(), time.Since(began), cause)
		return cause
	}

	if err := m.waitForDependencies(ctx, h); err != nil {
		return fail(err)
	}

	if m.needsBackend(h) {
		if err := m.backend.Spawn(ctx, h); err != nil {
			failErr := fail(err)
			_ = m.recovery.ReportFault(h, "start", err)
			return failErr
		}
	}

	if err := h.TransitionFrom(state.StateStarting, state.StateRunning); err != nil {
		return fail(err)
	}
	h.SetLastError(nil)
	m.events.Log(events.Event{
		Type:     events.TypeServiceStarted,
		Severity: events.SeverityInfo,
		Service:  id,
		State:    state.StateRunning,
	})
	m.recordState(h)
	m.metrics.RecordStart(h.Name(), time.Since(began), nil)
	m.log.WithField("service_id", uint64(id)).Info("service started")
	return nil
}

// StopService transitions a running service to Stopped and tears down
// its runtime context. Stopping a non-active service is a no-op.
func (m *Manager) StopService(ctx context.Context, id service.ID) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	switch h.State() {
	case state.StateRunning, state.StateStarting:
	default:
		return nil
	}

	began := time.Now()
	if err := h.Transition(state.StateStopping); err != nil {
		return err
	}
	m.events.Log(events.Event{
		Type:     events.TypeServiceStopping,
		Severity: events.SeverityInfo,
		Service:  id,
		State:    state.StateStopping,
	})
	m.recordState(h)

	if m.needsBackend(h) && h.Backend() != nil {
		if err := m.backend.Terminate(ctx, h); err != nil {
			h.SetLastError(err)
			_ = h.TransitionFrom(state.StateStopping, state.StateFailed)
			m.recordState(h)
			m.metrics.RecordStop(h.Name(), time.Since(began), err)
			return err
		}
	}

	if err := h.TransitionFrom(state.StateStopping, state.StateStopped); err != nil {
		return err
	}
	m.monitor.Forget(id)
	m.events.Log(events.Event{
		Type:     events.TypeServiceStopped,
		Severity: events.SeverityInfo,
		Service:  id,
		State:    state.StateStopped,
	})
	m.recordState(h)
	m.metrics.RecordStop(h.Name(), time.Since(began), nil)
	m.log.WithField("service_id", uint64(id)).Info("service stopped")
	return nil
}

// RestartService stops and starts a service. A manual restart grants a
// fresh restart budget.
func (m *Manager) RestartService(ctx context.Context, id service.ID) error {
	return m.restart(ctx, id, true)
}

func (m *Manager) restart(ctx context.Context, id service.ID, resetBudget bool) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if h.State().IsActive() {
		if err := m.StopService(ctx, id); err != nil {
			return err
		}
	} else if h.Backend() != nil {
		// A crashed service leaves a stale execution context behind.
		_ = m.backend.Terminate(ctx, h)
	}
	m.monitor.Forget(id)
	if resetBudget {
		h.ResetRestarts()
	}
	err = m.start(ctx, id, true)
	if errors.Is(err, service.ErrAlreadyRunning) {
		return nil
	}
	return err
}

// EnableService allows starts and recovery again, with a fresh budget.
func (m *Manager) EnableService(id service.ID) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	h.SetEnabled(true)
	h.ResetRestarts()
	return nil
}

// DisableService blocks future starts and automatic recovery. A running
// service keeps running until stopped.
func (m *Manager) DisableService(id service.ID) error {
	h, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	h.SetEnabled(false)
	return nil
}

// ResolveDependencies returns the dependency-ordered start sequence for
// the given services, including their transitive dependencies.
func (m *Manager) ResolveDependencies(ids []service.ID) ([]service.ID, error) {
	order, err := m.resolver.StartOrder(ids)
	if err != nil {
		if errors.Is(err, service.ErrCircularDependency) {
			m.metrics.RecordDependencyCycle()
			m.events.Log(events.Event{
				Type:     events.TypeDependencyCycle,
				Severity: events.SeverityError,
				Error:    err.Error(),
			})
		}
		return nil, err
	}
	return order, nil
}

// StartServicesInOrder starts the services and their dependencies in
// resolver order, aborting on the first failure.
func (m *Manager) StartServicesInOrder(ctx context.Context, ids []service.ID) error {
	order, err := m.ResolveDependencies(ids)
	if err != nil {
		return err
	}
	for _, id := range order {
		err := m.start(ctx, id, false)
		if err == nil || errors.Is(err, service.ErrAlreadyRunning) {
			continue
		}
		return fmt.Errorf("start service %d: %w", id, err)
	}
	return nil
}

// StopServicesInOrder stops the services in reverse dependency order.
// Stops are best effort; all failures are joined into the returned error.
func (m *Manager) StopServicesInOrder(ctx context.Context, ids []service.ID) error {
	order, err := m.resolver.StopOrder(ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range order {
		if err := m.StopService(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop service %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// StartAll starts every enabled registered service in dependency order.
func (m *Manager) StartAll(ctx context.Context) error {
	var ids []service.ID
	for _, h := range m.registry.List() {
		if h.Enabled() {
			ids = append(ids, h.ID())
		}
	}
	return m.StartServicesInOrder(ctx, ids)
}

// ApplyConfig registers the services declared in a configuration file,
// resolving name-based dependencies to IDs. Already-registered names
// are skipped.
func (m *Manager) ApplyConfig(f *configstore.File) error {
	for _, spec := range f.Services {
		if _, err := m.registry.GetByName(spec.Name); err == nil {
			continue
		}
		desc := spec.Descriptor()
		for _, dep := range spec.DependsOn {
			depHandle, err := m.registry.GetByName(dep.Name)
			if err != nil {
				return fmt.Errorf("%w: service %q depends on unknown %q",
					service.ErrConfiguration, spec.Name, dep.Name)
			}
			desc.Dependencies = append(desc.Dependencies, service.Dependency{
				ID:       depHandle.ID(),
				Required: dep.Required,
				Timeout:  dep.Timeout,
			})
		}
		if _, err := m.RegisterService(desc); err != nil {
			return fmt.Errorf("register %q: %w", spec.Name, err)
		}
	}
	return nil
}

// waitForDependencies blocks until every dependency is Running, each
// wait bounded by the dependency's timeout. Required dependencies that
// miss the bound fail the start; optional ones are skipped.
func (m *Manager) waitForDependencies(ctx context.Context, h *service.Handle) error {
	for _, dep := range h.Descriptor().Dependencies {
		depHandle, err := m.registry.Get(dep.ID)
		if err != nil {
			m.events.Log(events.Event{
				Type:     events.TypeDependencyMissing,
				Severity: events.SeverityError,
				Service:  h.ID(),
				Error:    err.Error(),
			})
			return &service.DependencyError{
				Service:    h.ID(),
				Dependency: dep.ID,
				Reason:     "is not registered",
			}
		}

		timeout := dep.Timeout
		if timeout <= 0 {
			timeout = defaultDepTimeout
		}
		if err := m.waitRunning(ctx, depHandle, timeout); err != nil {
			if !dep.Required {
				m.log.WithFields(map[string]interface{}{
					"service_id":    uint64(h.ID()),
					"dependency_id": uint64(dep.ID),
				}).Warn("optional dependency not running, continuing")
				continue
			}
			m.metrics.RecordDependencyTimeout()
			return &service.DependencyError{
				Service:    h.ID(),
				Dependency: dep.ID,
				Timeout:    timeout,
				Reason:     "did not reach running",
			}
		}
	}
	return nil
}

func (m *Manager) waitRunning(ctx context.Context, h *service.Handle, timeout time.Duration) error {
	if h.State() == state.StateRunning {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(depWaitTick)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if h.State() == state.StateRunning {
				return nil
			}
		case <-deadline.C:
			return service.ErrDependencyUnsatisfied
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// needsBackend reports whether the service owns a runtime context.
// Group services and command-less descriptors are virtual.
func (m *Manager) needsBackend(h *service.Handle) bool {
	desc := h.Descriptor()
	return desc.Type != service.TypeGroup && len(desc.Command) > 0
}

// probeBackend is the default prober: it asks the runtime backend
// whether the execution context is still alive.
func (m *Manager) probeBackend(_ context.Context, h *service.Handle) error {
	if !m.needsBackend(h) {
		return nil
	}
	info, err := m.backend.Status(h)
	if err != nil {
		return fmt.Errorf("%w: %v", service.ErrHealthCheckFailed, err)
	}
	if !info.Alive {
		return fmt.Errorf("%w: process exited", service.ErrHealthCheckFailed)
	}
	return nil
}

// onHealthFault handles the monitor's unhealthy threshold crossing:
// the service is marked Failed and handed to recovery.
func (m *Manager) onHealthFault(h *service.Handle, report health.Report) {
	if err := h.TransitionFrom(state.StateRunning, state.StateFailed); err != nil {
		// Already left Running, nothing to recover.
		return
	}
	h.SetLastError(service.ErrHealthCheckFailed)
	m.recordState(h)
	_ = m.recovery.ReportFault(h, "health", errors.New(report.Err))
}

func (m *Manager) recordState(h *service.Handle) {
	m.metrics.RecordServiceState(h.Name(), string(h.Descriptor().Type), int(h.State()))
}

func (m *Manager) runningIDs() []service.ID {
	var ids []service.ID
	for _, h := range m.registry.List() {
		if h.State().IsActive() {
			ids = append(ids, h.ID())
		}
	}
	return ids
}
