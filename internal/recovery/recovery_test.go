package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helios-os/service_core/internal/events"
	"github.com/helios-os/service_core/internal/service"
)

// stubRestarter counts restarts and fails the first failFirst attempts.
type stubRestarter struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	done      chan struct{}
}

func (s *stubRestarter) RestartService(_ context.Context, _ service.ID) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.done != nil {
		defer func() { s.done <- struct{}{} }()
	}
	if n <= s.failFirst {
		return errors.New("spawn failed")
	}
	return nil
}

func (s *stubRestarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testHandle(maxRestarts int) *service.Handle {
	return service.NewHandle(1, service.Descriptor{
		Name:         "logd",
		Type:         service.TypeUser,
		AutoRestart:  true,
		MaxRestarts:  maxRestarts,
		RestartDelay: time.Millisecond,
	})
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.RestartTimeout = time.Second
	return cfg
}

func TestReportFaultSchedulesRestart(t *testing.T) {
	r := &stubRestarter{done: make(chan struct{}, 1)}
	m := NewManager(r, quickConfig())
	defer m.Shutdown()

	h := testHandle(3)
	if err := m.ReportFault(h, "health", nil); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("restart never attempted")
	}
	if got := h.RestartCount(); got != 1 {
		t.Errorf("RestartCount() = %d, want 1", got)
	}
}

func TestRestartBudgetExactlyMaxRestarts(t *testing.T) {
	r := &stubRestarter{failFirst: 100, done: make(chan struct{}, 8)}
	ring := events.NewRing(32)
	m := NewManager(r, quickConfig(), WithEvents(ring))
	defer m.Shutdown()

	h := testHandle(3)
	if err := m.ReportFault(h, "health", nil); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}

	// Each failing attempt re-reports until 3 attempts are spent.
	for i := 0; i < 3; i++ {
		select {
		case <-r.done:
		case <-time.After(time.Second):
			t.Fatalf("attempt %d never ran", i+1)
		}
	}
	m.Shutdown()

	if got := r.count(); got != 3 {
		t.Errorf("restart attempts = %d, want exactly 3", got)
	}
	if got := h.RestartCount(); got != 3 {
		t.Errorf("RestartCount() = %d, want 3", got)
	}

	var exhausted *events.Event
	for _, ev := range ring.Recent(32) {
		if ev.Type == events.TypeRecoveryExhausted {
			e := ev
			exhausted = &e
		}
	}
	if exhausted == nil {
		t.Fatal("expected a recovery.exhausted event")
	}
	if exhausted.Severity != events.SeverityAlert {
		t.Errorf("exhausted severity = %q, want alert", exhausted.Severity)
	}
}

func TestExhaustedBudgetReturnsError(t *testing.T) {
	m := NewManager(&stubRestarter{}, quickConfig())
	defer m.Shutdown()

	h := testHandle(2)
	h.IncrementRestarts()
	h.IncrementRestarts()

	err := m.ReportFault(h, "health", nil)
	if !errors.Is(err, service.ErrRestartBudgetExhausted) {
		t.Fatalf("ReportFault() error = %v, want ErrRestartBudgetExhausted", err)
	}
}

func TestAutoRestartDisabledSkipsRecovery(t *testing.T) {
	r := &stubRestarter{}
	m := NewManager(r, quickConfig())
	defer m.Shutdown()

	h := service.NewHandle(1, service.Descriptor{
		Name: "oneshot", Type: service.TypeUser, AutoRestart: false, MaxRestarts: 3,
	})
	if err := m.ReportFault(h, "health", nil); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}
	m.Shutdown()
	if r.count() != 0 {
		t.Errorf("restart attempts = %d, want 0", r.count())
	}
}

func TestDisabledServiceSkipsRecovery(t *testing.T) {
	r := &stubRestarter{}
	m := NewManager(r, quickConfig())
	defer m.Shutdown()

	h := testHandle(3)
	h.SetEnabled(false)
	if err := m.ReportFault(h, "health", nil); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}
	m.Shutdown()
	if r.count() != 0 {
		t.Errorf("restart attempts = %d, want 0", r.count())
	}
}

func TestConcurrentFaultsCoalesce(t *testing.T) {
	r := &stubRestarter{done: make(chan struct{}, 8)}
	m := NewManager(r, quickConfig())
	defer m.Shutdown()

	h := testHandle(5)
	for i := 0; i < 4; i++ {
		if err := m.ReportFault(h, "health", nil); err != nil {
			t.Fatalf("ReportFault() error = %v", err)
		}
	}

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("restart never attempted")
	}
	m.Shutdown()

	if got := r.count(); got != 1 {
		t.Errorf("restart attempts = %d, want 1 (faults coalesce while pending)", got)
	}
}

func TestBackoffDelayGrowth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyBackoff
	cfg.Multiplier = 2.0
	cfg.MaxDelay = 10 * time.Second
	m := NewManager(&stubRestarter{}, cfg)
	defer m.Shutdown()

	desc := service.Descriptor{RestartDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := m.delayFor(desc, tt.attempt); got != tt.want {
			t.Errorf("delayFor(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestFixedDelayIgnoresAttempt(t *testing.T) {
	m := NewManager(&stubRestarter{}, quickConfig())
	defer m.Shutdown()

	desc := service.Descriptor{RestartDelay: 3 * time.Second}
	for _, attempt := range []int{0, 1, 5} {
		if got := m.delayFor(desc, attempt); got != 3*time.Second {
			t.Errorf("delayFor(attempt=%d) = %v, want 3s", attempt, got)
		}
	}
}

func TestShutdownCancelsScheduledAttempts(t *testing.T) {
	r := &stubRestarter{}
	cfg := quickConfig()
	m := NewManager(r, cfg)

	h := service.NewHandle(1, service.Descriptor{
		Name: "slow", Type: service.TypeUser, AutoRestart: true,
		MaxRestarts: 3, RestartDelay: time.Hour,
	})
	if err := m.ReportFault(h, "health", nil); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}
	if !m.Pending(h.ID()) {
		t.Fatal("expected a pending attempt")
	}

	m.Shutdown()
	if r.count() != 0 {
		t.Errorf("restart attempts = %d, want 0 after shutdown", r.count())
	}
	if m.Pending(h.ID()) {
		t.Error("pending flag should clear on shutdown")
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(&stubRestarter{}, quickConfig())
	defer m.Shutdown()

	h := service.NewHandle(1, service.Descriptor{Name: "x", Type: service.TypeUser})
	for i := 0; i < 150; i++ {
		_ = m.ReportFault(h, "health", nil)
	}
	if got := len(m.History()); got != 100 {
		t.Errorf("history length = %d, want 100", got)
	}
}
