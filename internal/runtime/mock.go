package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/helios-os/service_core/internal/service"
)

// MockBackend is an in-memory Backend for tests. Failures can be
// injected per service name.
type MockBackend struct {
	mu         sync.Mutex
	alive      map[service.ID]time.Time
	spawnErr   map[string]error
	termErr    map[string]error
	spawnCalls int
	termCalls  int
}

// NewMockBackend creates an empty mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		alive:    make(map[service.ID]time.Time),
		spawnErr: make(map[string]error),
		termErr:  make(map[string]error),
	}
}

// FailSpawn makes Spawn fail for the named service.
func (m *MockBackend) FailSpawn(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnErr[name] = err
}

// FailTerminate makes Terminate fail for the named service.
func (m *MockBackend) FailTerminate(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termErr[name] = err
}

// Crash drops the live context, simulating an unexpected exit.
func (m *MockBackend) Crash(id service.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alive, id)
}

// Spawn implements Backend.
func (m *MockBackend) Spawn(ctx context.Context, h *service.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnCalls++
	if err := m.spawnErr[h.Name()]; err != nil {
		return err
	}
	if _, ok := m.alive[h.ID()]; ok {
		return ErrAlreadySpawned
	}
	m.alive[h.ID()] = time.Now()
	h.SetBackend(m)
	return nil
}

// Terminate implements Backend.
func (m *MockBackend) Terminate(ctx context.Context, h *service.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termCalls++
	if err := m.termErr[h.Name()]; err != nil {
		return err
	}
	delete(m.alive, h.ID())
	h.SetBackend(nil)
	return nil
}

// Status implements Backend.
func (m *MockBackend) Status(h *service.Handle) (ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started, ok := m.alive[h.ID()]
	if !ok {
		return ProcessInfo{}, ErrNotSpawned
	}
	return ProcessInfo{PID: int32(h.ID()), Alive: true, Uptime: time.Since(started)}, nil
}

// SpawnCalls returns how many spawns were attempted.
func (m *MockBackend) SpawnCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawnCalls
}

// TerminateCalls returns how many terminations were attempted.
func (m *MockBackend) TerminateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termCalls
}

// Alive reports whether the mock considers the service running.
func (m *MockBackend) Alive(id service.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alive[id]
	return ok
}

var _ Backend = (*MockBackend)(nil)
