package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-os/service_core/internal/service"
)

func handleWithCommand(id service.ID, name string, command ...string) *service.Handle {
	return service.NewHandle(id, service.Descriptor{
		Name: name, Type: service.TypeUser, Command: command,
	})
}

func TestMockSpawnTerminateCycle(t *testing.T) {
	m := NewMockBackend()
	h := handleWithCommand(1, "logd", "/bin/logd")
	ctx := context.Background()

	require.NoError(t, m.Spawn(ctx, h))
	assert.True(t, m.Alive(h.ID()))

	info, err := m.Status(h)
	require.NoError(t, err)
	assert.True(t, info.Alive)

	require.NoError(t, m.Terminate(ctx, h))
	assert.False(t, m.Alive(h.ID()))

	_, err = m.Status(h)
	assert.ErrorIs(t, err, ErrNotSpawned)
}

func TestMockDoubleSpawn(t *testing.T) {
	m := NewMockBackend()
	h := handleWithCommand(1, "logd", "/bin/logd")
	ctx := context.Background()

	require.NoError(t, m.Spawn(ctx, h))
	assert.ErrorIs(t, m.Spawn(ctx, h), ErrAlreadySpawned)
}

func TestMockInjectedFailures(t *testing.T) {
	m := NewMockBackend()
	boom := errors.New("boom")
	m.FailSpawn("logd", boom)

	h := handleWithCommand(1, "logd", "/bin/logd")
	assert.ErrorIs(t, m.Spawn(context.Background(), h), boom)
	assert.Equal(t, 1, m.SpawnCalls())
	assert.False(t, m.Alive(h.ID()))
}

func TestMockCrashSimulatesExit(t *testing.T) {
	m := NewMockBackend()
	h := handleWithCommand(1, "logd", "/bin/logd")

	require.NoError(t, m.Spawn(context.Background(), h))
	m.Crash(h.ID())

	_, err := m.Status(h)
	assert.ErrorIs(t, err, ErrNotSpawned)
}

func TestExecSpawnRejectsEmptyCommand(t *testing.T) {
	b := NewExecBackend(nil)
	h := service.NewHandle(1, service.Descriptor{Name: "nocmd", Type: service.TypeUser})

	err := b.Spawn(context.Background(), h)
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestExecSpawnRejectsMissingBinary(t *testing.T) {
	b := NewExecBackend(nil)
	h := handleWithCommand(1, "ghost", "/nonexistent/binary-for-test")

	err := b.Spawn(context.Background(), h)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestExecTerminateWithoutSpawn(t *testing.T) {
	b := NewExecBackend(nil)
	h := handleWithCommand(1, "logd", "/bin/true")

	err := b.Terminate(context.Background(), h)
	assert.ErrorIs(t, err, ErrNotSpawned)
}

func TestExecSpawnStatusTerminate(t *testing.T) {
	b := NewExecBackend(nil)
	b.GracePeriod = time.Second
	h := handleWithCommand(1, "sleeper", "sleep", "30")
	ctx := context.Background()

	require.NoError(t, b.Spawn(ctx, h))
	defer func() { _ = b.Terminate(ctx, h) }()

	info, err := b.Status(h)
	require.NoError(t, err)
	assert.Positive(t, info.PID)

	require.NoError(t, b.Terminate(ctx, h))
	assert.Nil(t, h.Backend())
}

func TestExecSpawnHonorsCancelledContext(t *testing.T) {
	b := NewExecBackend(nil)
	h := handleWithCommand(1, "logd", "/bin/true")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Spawn(ctx, h)
	assert.ErrorIs(t, err, context.Canceled)
}
