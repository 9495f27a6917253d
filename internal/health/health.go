// Package health runs periodic liveness probes against running services
// and classifies each into Healthy, Degraded or Unhealthy.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helios-os/service_core/internal/events"
	"github.com/helios-os/service_core/internal/metrics"
	"github.com/helios-os/service_core/internal/registry"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
	"github.com/helios-os/service_core/pkg/logger"
)

// Status is the probe classification of a service.
type Status int

const (
	// StatusUnknown means the service has not been probed yet.
	StatusUnknown Status = iota
	// StatusHealthy means the last probe succeeded.
	StatusHealthy
	// StatusDegraded means recent probes failed but below the fault threshold.
	StatusDegraded
	// StatusUnhealthy means probes failed at or past the fault threshold.
	StatusUnhealthy
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Report is the most recent probe outcome for a service.
type Report struct {
	ServiceID        service.ID    `json:"service_id"`
	Status           Status        `json:"status"`
	Latency          time.Duration `json:"latency"`
	Err              string        `json:"error,omitempty"`
	CheckedAt        time.Time     `json:"checked_at"`
	ConsecutiveFails int           `json:"consecutive_fails"`
}

// Prober performs a single liveness probe. Implementations must honor
// ctx cancellation; the monitor bounds every probe with a timeout.
type Prober interface {
	Probe(ctx context.Context, h *service.Handle) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, h *service.Handle) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, h *service.Handle) error {
	return f(ctx, h)
}

// FaultHandler receives services that crossed the unhealthy threshold.
type FaultHandler func(h *service.Handle, report Report)

const (
	// DefaultProbeTimeout bounds each individual probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultUnhealthyThreshold is how many consecutive failures turn a
	// Degraded service Unhealthy and raise a fault.
	DefaultUnhealthyThreshold = 3

	// DefaultSweepSpec is the cron spec driving sweep scheduling.
	DefaultSweepSpec = "@every 5s"

	// DefaultMaxConcurrentProbes bounds probe parallelism per sweep.
	DefaultMaxConcurrentProbes = 16
)

// Config tunes the monitor.
type Config struct {
	ProbeTimeout        time.Duration
	UnhealthyThreshold  int
	SweepSpec           string
	MaxConcurrentProbes int
}

// DefaultConfig returns the default monitor tuning.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:        DefaultProbeTimeout,
		UnhealthyThreshold:  DefaultUnhealthyThreshold,
		SweepSpec:           DefaultSweepSpec,
		MaxConcurrentProbes: DefaultMaxConcurrentProbes,
	}
}

// Monitor sweeps running services on a cron schedule and probes each
// one whose health interval has elapsed.
type Monitor struct {
	reg     *registry.Registry
	prober  Prober
	cfg     Config
	limiter *Limiter
	metrics metrics.Recorder
	events  events.Logger
	log     *logger.Logger

	onFault FaultHandler

	cron *cron.Cron

	mu      sync.RWMutex
	reports map[service.ID]Report
	started bool
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. A nil prober trivially reports healthy.
func NewMonitor(reg *registry.Registry, prober Prober, cfg Config, opts ...MonitorOption) *Monitor {
	if prober == nil {
		prober = ProberFunc(func(context.Context, *service.Handle) error { return nil })
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = DefaultMaxConcurrentProbes
	}

	m := &Monitor{
		reg:     reg,
		prober:  prober,
		cfg:     cfg,
		limiter: NewLimiter(cfg.MaxConcurrentProbes),
		metrics: metrics.Nop{},
		events:  events.Nop{},
		log:     logger.NewNop(),
		reports: make(map[service.ID]Report),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) MonitorOption {
	return func(m *Monitor) { m.metrics = r }
}

// WithEvents sets the event logger.
func WithEvents(e events.Logger) MonitorOption {
	return func(m *Monitor) { m.events = e }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) MonitorOption {
	return func(m *Monitor) { m.log = l }
}

// WithFaultHandler sets the callback invoked when a service crosses the
// unhealthy threshold.
func WithFaultHandler(fn FaultHandler) MonitorOption {
	return func(m *Monitor) { m.onFault = fn }
}

// Start begins the periodic sweep. It is an error to start twice.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("health monitor already started")
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.cfg.SweepSpec, m.Sweep); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", m.cfg.SweepSpec, err)
	}
	m.cron.Start()
	m.started = true
	m.log.WithField("sweep", m.cfg.SweepSpec).Info("health monitor started")
	return nil
}

// Stop halts the sweep schedule and waits for in-flight probes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	<-c.Stop().Done()
	m.wg.Wait()
	m.log.Info("health monitor stopped")
}

// Sweep probes every running service whose health interval has elapsed.
// Exposed so callers can force a sweep between scheduled ones.
func (m *Monitor) Sweep() {
	now := time.Now()
	for _, h := range m.reg.List() {
		if h.State() != state.StateRunning {
			continue
		}
		interval := h.Descriptor().HealthCheckInterval
		if last := h.LastHealthCheck(); !last.IsZero() && now.Sub(last) < interval {
			continue
		}
		m.probeAsync(h)
	}
}

func (m *Monitor) probeAsync(h *service.Handle) {
	if !m.limiter.TryAcquire() {
		// Over the concurrency bound; the next sweep retries.
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.limiter.Release()
		m.Check(h)
	}()
}

// Check probes one service immediately and returns the updated report.
func (m *Monitor) Check(h *service.Handle) Report {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(ctx, h)
	elapsed := time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w after %s", service.ErrHealthCheckTimeout, m.cfg.ProbeTimeout)
	} else if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w after %s: %v", service.ErrHealthCheckTimeout, m.cfg.ProbeTimeout, err)
	}

	h.MarkHealthChecked(time.Now())
	report := m.classify(h, err, elapsed)

	m.metrics.RecordHealthCheck(h.Name(), report.Status.String(), elapsed)
	return report
}

// classify folds a probe result into the per-service report and fires
// transitions (degraded, unhealthy, recovered) exactly on the edges.
func (m *Monitor) classify(h *service.Handle, probeErr error, latency time.Duration) Report {
	m.mu.Lock()
	prev := m.reports[h.ID()]

	report := Report{
		ServiceID: h.ID(),
		Latency:   latency,
		CheckedAt: time.Now(),
	}
	if probeErr == nil {
		report.Status = StatusHealthy
		report.ConsecutiveFails = 0
	} else {
		report.Err = probeErr.Error()
		report.ConsecutiveFails = prev.ConsecutiveFails + 1
		if report.ConsecutiveFails >= m.cfg.UnhealthyThreshold {
			report.Status = StatusUnhealthy
		} else {
			report.Status = StatusDegraded
		}
	}
	m.reports[h.ID()] = report
	m.mu.Unlock()

	switch {
	case prev.Status == StatusUnknown && report.Status == StatusHealthy:
		// First successful probe, nothing to announce.
	case report.Status == StatusHealthy && prev.Status != StatusHealthy && prev.Status != StatusUnknown:
		m.events.Log(events.Event{
			Type:     events.TypeHealthRecovered,
			Severity: events.SeverityInfo,
			Service:  h.ID(),
			Message:  "service recovered",
		})
	case report.Status == StatusDegraded && prev.Status != StatusDegraded:
		m.events.Log(events.Event{
			Type:     events.TypeHealthDegraded,
			Severity: events.SeverityWarning,
			Service:  h.ID(),
			Message:  fmt.Sprintf("probe failed (%d consecutive)", report.ConsecutiveFails),
			Error:    report.Err,
		})
	case report.Status == StatusUnhealthy && prev.Status != StatusUnhealthy:
		m.events.Log(events.Event{
			Type:     events.TypeHealthUnhealthy,
			Severity: events.SeverityError,
			Service:  h.ID(),
			Message:  fmt.Sprintf("probe failed %d times, declaring unhealthy", report.ConsecutiveFails),
			Error:    report.Err,
		})
		if m.onFault != nil {
			m.onFault(h, report)
		}
	}

	return report
}

// Status returns the last report for a service. The zero Report with
// StatusUnknown is returned for services never probed.
func (m *Monitor) Status(id service.ID) Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reports[id]
}

// Forget drops retained health state for a service, used after
// unregistration and restart.
func (m *Monitor) Forget(id service.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, id)
}
