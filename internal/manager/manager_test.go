package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-os/service_core/internal/configstore"
	"github.com/helios-os/service_core/internal/discovery"
	"github.com/helios-os/service_core/internal/events"
	"github.com/helios-os/service_core/internal/health"
	"github.com/helios-os/service_core/internal/runtime"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *runtime.MockBackend) {
	t.Helper()
	backend := runtime.NewMockBackend()
	if opts.Backend == nil {
		opts.Backend = backend
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, backend
}

func registerTest(t *testing.T, m *Manager, name string, mutate ...func(*service.Descriptor)) service.ID {
	t.Helper()
	desc := service.Descriptor{
		Name:         name,
		Type:         service.TypeUser,
		Command:      []string{"/sbin/" + name},
		AutoRestart:  true,
		MaxRestarts:  3,
		RestartDelay: time.Millisecond,
	}
	for _, f := range mutate {
		f(&desc)
	}
	id, err := m.RegisterService(desc)
	require.NoError(t, err)
	return id
}

func TestStartStopLifecycle(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "logd")
	require.NoError(t, m.StartService(ctx, id))

	snap, err := m.GetService(id)
	require.NoError(t, err)
	assert.Equal(t, state.StateRunning, snap.State)
	assert.True(t, backend.Alive(id))

	require.NoError(t, m.StopService(ctx, id))
	snap, err = m.GetService(id)
	require.NoError(t, err)
	assert.Equal(t, state.StateStopped, snap.State)
	assert.False(t, backend.Alive(id))
}

func TestStartIsIdempotent(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "logd")
	require.NoError(t, m.StartService(ctx, id))
	require.NoError(t, m.StartService(ctx, id), "starting a running service succeeds")

	assert.Equal(t, 1, backend.SpawnCalls(), "second start must not respawn")
	snap, err := m.GetService(id)
	require.NoError(t, err)
	assert.Equal(t, state.StateRunning, snap.State)
	assert.Zero(t, snap.RestartCount)
}

func TestStopIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "logd")
	require.NoError(t, m.StopService(ctx, id), "stopping a never-started service is a no-op")
	require.NoError(t, m.StartService(ctx, id))
	require.NoError(t, m.StopService(ctx, id))
	require.NoError(t, m.StopService(ctx, id))
}

func TestDisabledServiceCannotStart(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "logd")
	require.NoError(t, m.DisableService(id))

	err := m.StartService(ctx, id)
	assert.ErrorIs(t, err, service.ErrServiceDisabled)

	require.NoError(t, m.EnableService(id))
	assert.NoError(t, m.StartService(ctx, id))
}

func TestGroupServiceRunsWithoutBackend(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "base-group", func(d *service.Descriptor) {
		d.Type = service.TypeGroup
		d.Command = nil
	})
	require.NoError(t, m.StartService(ctx, id))

	snap, err := m.GetService(id)
	require.NoError(t, err)
	assert.Equal(t, state.StateRunning, snap.State)
	assert.Zero(t, backend.SpawnCalls())
}

func TestRequiredDependencyMustBeRunning(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	dep := registerTest(t, m, "logd")
	dependent := registerTest(t, m, "netd", func(d *service.Descriptor) {
		d.Dependencies = []service.Dependency{{ID: dep, Required: true, Timeout: 100 * time.Millisecond}}
	})

	err := m.StartService(ctx, dependent)
	require.ErrorIs(t, err, service.ErrDependencyUnsatisfied)

	snap, _ := m.GetService(dependent)
	assert.Equal(t, state.StateFailed, snap.State)

	// With the dependency running the start goes through.
	require.NoError(t, m.StartService(ctx, dep))
	assert.NoError(t, m.StartService(ctx, dependent))
}

func TestOptionalDependencyTimeoutProceeds(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	dep := registerTest(t, m, "metrics-agent")
	dependent := registerTest(t, m, "app", func(d *service.Descriptor) {
		d.Dependencies = []service.Dependency{{ID: dep, Required: false, Timeout: 50 * time.Millisecond}}
	})

	require.NoError(t, m.StartService(ctx, dependent))
	snap, _ := m.GetService(dependent)
	assert.Equal(t, state.StateRunning, snap.State)
}

func TestStartServicesInOrder(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	a := registerTest(t, m, "a")
	b := registerTest(t, m, "b", func(d *service.Descriptor) {
		d.Dependencies = []service.Dependency{{ID: a, Required: true, Timeout: time.Second}}
	})
	c := registerTest(t, m, "c", func(d *service.Descriptor) {
		d.Dependencies = []service.Dependency{{ID: b, Required: true, Timeout: time.Second}}
	})

	require.NoError(t, m.StartServicesInOrder(ctx, []service.ID{c}))
	for _, id := range []service.ID{a, b, c} {
		snap, _ := m.GetService(id)
		assert.Equal(t, state.StateRunning, snap.State, "service %d", id)
	}

	order, err := m.ResolveDependencies([]service.ID{c})
	require.NoError(t, err)
	assert.Equal(t, []service.ID{a, b, c}, order)
}

func TestStopServicesInOrderReverses(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	a := registerTest(t, m, "a")
	b := registerTest(t, m, "b", func(d *service.Descriptor) {
		d.Dependencies = []service.Dependency{{ID: a, Required: true, Timeout: time.Second}}
	})
	require.NoError(t, m.StartServicesInOrder(ctx, []service.ID{b}))

	var stopped []service.ID
	unsub := m.SubscribeEvents(func(ev events.Event) {
		if ev.Type == events.TypeServiceStopped {
			stopped = append(stopped, ev.Service)
		}
	})
	defer unsub()

	require.NoError(t, m.StopServicesInOrder(ctx, []service.ID{a, b}))
	assert.Equal(t, []service.ID{b, a}, stopped, "dependents stop before dependencies")
}

func TestSpawnFailureTriggersRecovery(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "flaky")
	backend.FailSpawn("flaky", errors.New("exec format error"))

	err := m.StartService(ctx, id)
	require.Error(t, err)
	snap, _ := m.GetService(id)
	assert.Equal(t, state.StateFailed, snap.State)

	// Recovery keeps retrying; let it succeed.
	backend.FailSpawn("flaky", nil)
	assert.Eventually(t, func() bool {
		snap, _ := m.GetService(id)
		return snap.State == state.StateRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestartBudgetExhaustion(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "doomed")
	backend.FailSpawn("doomed", errors.New("exec format error"))

	require.Error(t, m.StartService(ctx, id))

	// 1 manual attempt + exactly MaxRestarts recovery attempts.
	assert.Eventually(t, func() bool {
		return backend.SpawnCalls() == 4
	}, 2*time.Second, 10*time.Millisecond)

	// The budget is spent; no further attempts happen.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, backend.SpawnCalls())

	snap, _ := m.GetService(id)
	assert.Equal(t, state.StateFailed, snap.State)
	assert.Equal(t, 3, snap.RestartCount)

	var exhausted bool
	for _, ev := range m.RecentEvents(32) {
		if ev.Type == events.TypeRecoveryExhausted && ev.Service == id {
			exhausted = true
		}
	}
	assert.True(t, exhausted, "expected a recovery.exhausted event")
}

func TestStartBlockedAfterBudgetExhausted(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "doomed")
	backend.FailSpawn("doomed", errors.New("exec format error"))
	require.Error(t, m.StartService(ctx, id))
	assert.Eventually(t, func() bool {
		snap, _ := m.GetService(id)
		return backend.SpawnCalls() == 4 && snap.State == state.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	// A terminally failed service cannot be started directly, even
	// after the underlying fault is gone.
	backend.FailSpawn("doomed", nil)
	err := m.StartService(ctx, id)
	assert.ErrorIs(t, err, service.ErrRestartBudgetExhausted)
	assert.Equal(t, 4, backend.SpawnCalls())

	// A fresh budget reopens the path.
	require.NoError(t, m.EnableService(id))
	require.NoError(t, m.StartService(ctx, id))

	snap, _ := m.GetService(id)
	assert.Equal(t, state.StateRunning, snap.State)
}

func TestManualRestartResetsBudget(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "flaky")
	backend.FailSpawn("flaky", errors.New("down"))
	require.Error(t, m.StartService(ctx, id))
	assert.Eventually(t, func() bool {
		return backend.SpawnCalls() == 4
	}, 2*time.Second, 10*time.Millisecond)

	backend.FailSpawn("flaky", nil)
	require.NoError(t, m.RestartService(ctx, id))

	snap, _ := m.GetService(id)
	assert.Equal(t, state.StateRunning, snap.State)
	assert.Zero(t, snap.RestartCount)
}

func TestHealthFaultRestartsService(t *testing.T) {
	m, backend := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "crashy", func(d *service.Descriptor) {
		d.MaxRestarts = 5
	})
	require.NoError(t, m.StartService(ctx, id))

	// Simulate a crash and probe it past the unhealthy threshold.
	backend.Crash(id)
	for i := 0; i < 3; i++ {
		report, err := m.CheckServiceHealth(id)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, health.StatusUnhealthy, report.Status)
		}
	}

	assert.Eventually(t, func() bool {
		snap, _ := m.GetService(id)
		return snap.State == state.StateRunning
	}, 2*time.Second, 10*time.Millisecond, "recovery should respawn the crashed service")
	assert.True(t, backend.Alive(id))
}

func TestGetServiceInstanceRoundRobin(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	var ids []service.ID
	for _, name := range []string{"worker-1", "worker-2", "worker-3"} {
		ids = append(ids, registerTest(t, m, name))
	}
	require.NoError(t, m.StartServicesInOrder(ctx, ids))

	picks := map[service.ID]int{}
	for i := 0; i < 9; i++ {
		snap, err := m.GetServiceInstance("worker-*")
		require.NoError(t, err)
		picks[snap.ID]++
		m.ReleaseServiceInstance(snap.ID)
	}
	for _, id := range ids {
		assert.Equal(t, 3, picks[id], "instance %d", id)
	}
}

func TestGetServiceInstanceSkipsStopped(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	w1 := registerTest(t, m, "worker-1")
	w2 := registerTest(t, m, "worker-2")
	require.NoError(t, m.StartService(ctx, w1))
	require.NoError(t, m.StartService(ctx, w2))
	require.NoError(t, m.StopService(ctx, w2))

	for i := 0; i < 4; i++ {
		snap, err := m.GetServiceInstance("worker-*")
		require.NoError(t, err)
		assert.Equal(t, w1, snap.ID)
	}
}

func TestGetServiceInstanceNoneEligible(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	registerTest(t, m, "worker-1")
	_, err := m.GetServiceInstance("worker-*")
	assert.ErrorIs(t, err, service.ErrNoHealthyInstance)
}

func TestUpdateServiceReindexesTags(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	id := registerTest(t, m, "web", func(d *service.Descriptor) {
		d.Tags = []string{"http"}
	})

	updated := service.Descriptor{
		Name:         "web",
		Type:         service.TypeUser,
		Command:      []string{"/sbin/web"},
		AutoRestart:  true,
		MaxRestarts:  3,
		RestartDelay: time.Millisecond,
		Tags:         []string{"grpc"},
	}
	require.NoError(t, m.UpdateService(id, updated))

	assert.Empty(t, m.DiscoverByTag("http"))
	assert.Len(t, m.DiscoverByTag("grpc"), 1)
}

func TestServiceConfigRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	id := registerTest(t, m, "logd")

	_, err := m.ServiceConfig(id)
	assert.ErrorIs(t, err, service.ErrConfiguration)

	require.NoError(t, m.SaveServiceConfig(id, configstore.ServiceConfig{
		Settings: map[string]string{"buffer_size": "4096"},
	}))
	require.NoError(t, m.UpdateServiceConfig(id, map[string]string{"rotate": "daily"}))

	cfg, err := m.ServiceConfig(id)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, "4096", cfg.Settings["buffer_size"])
	assert.Equal(t, "daily", cfg.Settings["rotate"])

	_, err = m.ServiceConfig(999)
	assert.ErrorIs(t, err, service.ErrServiceNotFound)
}

func TestDiscoverServicesByFilterThroughFacade(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	running := registerTest(t, m, "worker-1", func(d *service.Descriptor) {
		d.Tags = []string{"pool"}
	})
	registerTest(t, m, "worker-2", func(d *service.Descriptor) {
		d.Tags = []string{"pool"}
	})
	require.NoError(t, m.StartService(ctx, running))

	got, err := m.DiscoverServicesByFilter(discovery.Filter{
		Pattern:       "worker-*",
		Tags:          []string{"pool"},
		AvailableOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running, got[0].ID)
}

func TestUnregisterRequiresStopped(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "logd")
	require.NoError(t, m.StartService(ctx, id))
	assert.ErrorIs(t, m.UnregisterService(id), service.ErrServiceActive)

	require.NoError(t, m.StopService(ctx, id))
	require.NoError(t, m.UnregisterService(id))
	_, err := m.GetService(id)
	assert.ErrorIs(t, err, service.ErrServiceNotFound)
}

func TestApplyConfigRegistersInOrder(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	store := configstore.NewMemoryStore(&configstore.File{
		Services: []configstore.ServiceSpec{
			{Name: "logd", Type: service.TypeSystem, Command: []string{"/sbin/logd"}},
			{Name: "netd", Type: service.TypeSystem, Command: []string{"/sbin/netd"},
				DependsOn: []configstore.DependencySpec{{Name: "logd", Required: true, Timeout: time.Second}}},
		},
	})
	f, err := store.Load()
	require.NoError(t, err)
	require.NoError(t, m.ApplyConfig(f))

	netd, err := m.GetServiceByName("netd")
	require.NoError(t, err)
	logd, err := m.GetServiceByName("logd")
	require.NoError(t, err)

	order, err := m.ResolveDependencies([]service.ID{netd.ID})
	require.NoError(t, err)
	assert.Equal(t, []service.ID{logd.ID, netd.ID}, order)

	// Re-applying is idempotent.
	require.NoError(t, m.ApplyConfig(f))
	assert.Len(t, m.ListServices(), 2)
}

func TestStatsAggregates(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	a := registerTest(t, m, "a")
	registerTest(t, m, "b")
	require.NoError(t, m.StartService(ctx, a))

	_, err := m.DiscoverServices("*")
	require.NoError(t, err)

	s := m.Stats()
	assert.Equal(t, 2, s.Registered)
	assert.Equal(t, 1, s.ByState[state.StateRunning.String()])
	assert.Equal(t, 1, s.ByState[state.StateRegistered.String()])
	assert.Equal(t, uint64(1), s.Discovery.TotalQueries)
	assert.Equal(t, 1, m.RunningCount())
}

func TestShutdownStopsEverything(t *testing.T) {
	backend := runtime.NewMockBackend()
	m, err := New(Options{Backend: backend})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Start())
	a := registerTest(t, m, "a")
	b := registerTest(t, m, "b", func(d *service.Descriptor) {
		d.Dependencies = []service.Dependency{{ID: a, Required: true, Timeout: time.Second}}
	})
	require.NoError(t, m.StartServicesInOrder(ctx, []service.ID{b}))

	require.NoError(t, m.Shutdown(ctx))
	for _, id := range []service.ID{a, b} {
		snap, _ := m.GetService(id)
		assert.Equal(t, state.StateStopped, snap.State, "service %d", id)
		assert.False(t, backend.Alive(id))
	}

	// Second shutdown is a no-op.
	assert.NoError(t, m.Shutdown(ctx))
}

func TestRegistrationAndDiscoveryEvents(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	id := registerTest(t, m, "logd")
	require.NoError(t, m.StartService(ctx, id))

	types := map[events.Type]bool{}
	for _, ev := range m.RecentEvents(16) {
		types[ev.Type] = true
	}
	assert.True(t, types[events.TypeServiceRegistered])
	assert.True(t, types[events.TypeServiceStarting])
	assert.True(t, types[events.TypeServiceStarted])
}

func TestDiscoveryHistoryThroughFacade(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	registerTest(t, m, "logd")
	_, err := m.DiscoverServices("log*")
	require.NoError(t, err)
	_, err = m.DiscoverServices("log*")
	require.NoError(t, err)

	hist := m.QueryHistory()
	require.Len(t, hist, 2)
	assert.True(t, hist[0].CacheHit, "second query should hit the cache")
	assert.Equal(t, uint64(1), m.DiscoveryStats().CacheHits)
}
