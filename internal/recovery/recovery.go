// Package recovery turns detected faults into bounded restart attempts.
// Each service carries a restart budget; once spent, the service stays
// Failed and an alert event is raised for external attention.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/helios-os/service_core/internal/events"
	"github.com/helios-os/service_core/internal/metrics"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/pkg/logger"
)

// Strategy selects how restart delays grow across attempts.
type Strategy string

const (
	// StrategyRestart retries with the service's fixed restart delay.
	StrategyRestart Strategy = "restart"

	// StrategyBackoff retries with exponentially growing delays.
	StrategyBackoff Strategy = "backoff"

	// StrategyNone disables automatic recovery.
	StrategyNone Strategy = "none"
)

// Fault describes one detected service failure.
type Fault struct {
	Service    service.ID `json:"service"`
	Reason     string     `json:"reason"`
	Err        string     `json:"error,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Restarter performs the actual restart. The service manager implements it.
type Restarter interface {
	RestartService(ctx context.Context, id service.ID) error
}

// Config tunes the recovery manager.
type Config struct {
	// Strategy selects delay growth. Defaults to StrategyRestart.
	Strategy Strategy

	// InitialDelay seeds the backoff sequence when the strategy is
	// StrategyBackoff and the descriptor carries no restart delay.
	InitialDelay time.Duration

	// Multiplier grows the backoff delay per attempt.
	Multiplier float64

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// RestartTimeout bounds a single restart attempt.
	RestartTimeout time.Duration
}

// DefaultConfig returns the default recovery tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyRestart,
		InitialDelay:   time.Second,
		Multiplier:     2.0,
		MaxDelay:       time.Minute,
		RestartTimeout: 30 * time.Second,
	}
}

// Manager schedules restarts for faulted services. Attempts are
// serialized per service; a fault reported while an attempt is pending
// is coalesced into it.
type Manager struct {
	restarter Restarter
	cfg       Config
	metrics   metrics.Recorder
	events    events.Logger
	log       *logger.Logger

	mu      sync.Mutex
	pending map[service.ID]struct{}
	history []Fault

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithEvents sets the event logger.
func WithEvents(e events.Logger) Option {
	return func(m *Manager) { m.events = e }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a recovery manager.
func NewManager(restarter Restarter, cfg Config, opts ...Option) *Manager {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRestart
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 30 * time.Second
	}

	m := &Manager{
		restarter:  restarter,
		cfg:        cfg,
		metrics:    metrics.Nop{},
		events:     events.Nop{},
		log:        logger.NewNop(),
		pending:    make(map[service.ID]struct{}),
		shutdownCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ReportFault records a fault and, when the service is eligible,
// schedules a restart attempt. Returns service.ErrRestartBudgetExhausted
// when the budget is spent, and nil when a restart was scheduled or the
// service opted out of recovery.
func (m *Manager) ReportFault(h *service.Handle, reason string, cause error) error {
	fault := Fault{
		Service:    h.ID(),
		Reason:     reason,
		DetectedAt: time.Now(),
	}
	if cause != nil {
		fault.Err = cause.Error()
	}

	m.mu.Lock()
	m.history = append(m.history, fault)
	if len(m.history) > 100 {
		m.history = m.history[len(m.history)-100:]
	}
	m.mu.Unlock()

	m.events.Log(events.Event{
		Type:     events.TypeFaultDetected,
		Severity: events.SeverityError,
		Service:  h.ID(),
		Message:  reason,
		Error:    fault.Err,
	})
	m.metrics.RecordFailure(h.Name(), reason)

	desc := h.Descriptor()
	if m.cfg.Strategy == StrategyNone || !desc.AutoRestart || !h.Enabled() {
		m.log.WithField("service_id", uint64(h.ID())).Debug("fault recorded, recovery disabled")
		return nil
	}

	attempt := h.RestartCount()
	if attempt >= desc.MaxRestarts {
		m.events.Log(events.Event{
			Type:     events.TypeRecoveryExhausted,
			Severity: events.SeverityAlert,
			Service:  h.ID(),
			Message:  "restart budget exhausted, service stays failed",
			Attempt:  attempt,
		})
		m.log.WithFields(map[string]interface{}{
			"service_id": uint64(h.ID()),
			"restarts":   attempt,
		}).Error("restart budget exhausted")
		return service.ErrRestartBudgetExhausted
	}

	m.mu.Lock()
	if _, ok := m.pending[h.ID()]; ok {
		m.mu.Unlock()
		return nil
	}
	m.pending[h.ID()] = struct{}{}
	m.mu.Unlock()

	delay := m.delayFor(desc, attempt)
	m.events.Log(events.Event{
		Type:     events.TypeRecoveryScheduled,
		Severity: events.SeverityWarning,
		Service:  h.ID(),
		Message:  "restart scheduled",
		Attempt:  attempt + 1,
	})

	m.wg.Add(1)
	go m.runAttempt(h, delay)
	return nil
}

func (m *Manager) runAttempt(h *service.Handle, delay time.Duration) {
	defer m.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.shutdownCh:
		m.clearPending(h.ID())
		return
	}

	attempt := h.IncrementRestarts()
	m.metrics.RecordRecoveryAttempt(h.Name())
	m.metrics.RecordRestart(h.Name())

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RestartTimeout)
	err := m.restarter.RestartService(ctx, h.ID())
	cancel()

	m.clearPending(h.ID())
	m.metrics.RecordRecoveryResult(h.Name(), err)

	if err != nil {
		m.events.Log(events.Event{
			Type:     events.TypeRecoveryFailed,
			Severity: events.SeverityError,
			Service:  h.ID(),
			Error:    err.Error(),
			Attempt:  attempt,
		})
		m.log.WithField("service_id", uint64(h.ID())).WithError(err).Warn("restart attempt failed")

		// The failed attempt is itself a fault; loop until the budget
		// is spent.
		_ = m.ReportFault(h, "restart failed", err)
		return
	}

	m.events.Log(events.Event{
		Type:     events.TypeRecoverySucceeded,
		Severity: events.SeverityInfo,
		Service:  h.ID(),
		Attempt:  attempt,
	})
	m.log.WithFields(map[string]interface{}{
		"service_id": uint64(h.ID()),
		"attempt":    attempt,
	}).Info("service restarted")
}

func (m *Manager) clearPending(id service.ID) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// delayFor computes the wait before attempt n (zero-based).
func (m *Manager) delayFor(desc service.Descriptor, attempt int) time.Duration {
	base := desc.RestartDelay
	if base <= 0 {
		base = m.cfg.InitialDelay
	}
	if m.cfg.Strategy != StrategyBackoff {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * m.cfg.Multiplier)
		if d >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	return d
}

// Pending reports whether a restart is currently scheduled or running
// for the service.
func (m *Manager) Pending(id service.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// History returns recent faults, oldest first.
func (m *Manager) History() []Fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fault, len(m.history))
	copy(out, m.history)
	return out
}

// Shutdown cancels scheduled attempts and waits for running ones.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() { close(m.shutdownCh) })
	m.wg.Wait()
}
