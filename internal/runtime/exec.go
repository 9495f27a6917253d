package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/pkg/logger"
)

// execContext is the live state attached to a handle by ExecBackend.
type execContext struct {
	cmd       *exec.Cmd
	startedAt time.Time

	mu     sync.Mutex
	waited bool
	werr   error
}

// wait reaps the child exactly once.
func (e *execContext) wait() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.waited {
		e.werr = e.cmd.Wait()
		e.waited = true
	}
	return e.werr
}

// ExecBackend runs services as child processes of the manager.
type ExecBackend struct {
	log *logger.Logger

	// GracePeriod is how long Terminate waits after SIGTERM before
	// killing. The terminate context deadline still applies.
	GracePeriod time.Duration
}

// NewExecBackend creates a process backend.
func NewExecBackend(log *logger.Logger) *ExecBackend {
	if log == nil {
		log = logger.NewNop()
	}
	return &ExecBackend{
		log:         log,
		GracePeriod: 10 * time.Second,
	}
}

// Spawn implements Backend.
func (b *ExecBackend) Spawn(ctx context.Context, h *service.Handle) error {
	desc := h.Descriptor()
	if len(desc.Command) == 0 {
		return ErrNoCommand
	}
	if h.Backend() != nil {
		return ErrAlreadySpawned
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(desc.Command[0], desc.Command[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, desc.Command[0], err)
	}

	ec := &execContext{cmd: cmd, startedAt: time.Now()}
	h.SetBackend(ec)

	// Reap in the background so the child never zombies.
	go func() { _ = ec.wait() }()

	b.log.WithFields(map[string]interface{}{
		"service_id": uint64(h.ID()),
		"pid":        cmd.Process.Pid,
	}).Info("process spawned")
	return nil
}

// Terminate implements Backend. It sends SIGTERM, waits for the grace
// period or the context deadline, then kills.
func (b *ExecBackend) Terminate(ctx context.Context, h *service.Handle) error {
	ec, ok := h.Backend().(*execContext)
	if !ok || ec == nil {
		return ErrNotSpawned
	}
	defer h.SetBackend(nil)

	proc := ec.cmd.Process
	if proc == nil {
		return nil
	}

	if err := proc.Signal(termSignal); err != nil {
		// Already gone.
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = ec.wait()
		close(done)
	}()

	grace := b.GracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := proc.Kill(); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrTerminateFailed, proc.Pid, err)
	}
	<-done
	b.log.WithField("pid", proc.Pid).Warn("process killed after grace period")
	return nil
}

// Status implements Backend using process inspection.
func (b *ExecBackend) Status(h *service.Handle) (ProcessInfo, error) {
	ec, ok := h.Backend().(*execContext)
	if !ok || ec == nil || ec.cmd.Process == nil {
		return ProcessInfo{}, ErrNotSpawned
	}

	pid := int32(ec.cmd.Process.Pid)
	info := ProcessInfo{
		PID:    pid,
		Uptime: time.Since(ec.startedAt),
	}

	p, err := process.NewProcess(pid)
	if err != nil {
		return info, nil
	}
	alive, err := p.IsRunning()
	if err != nil {
		return info, nil
	}
	info.Alive = alive
	if !alive {
		return info, nil
	}

	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.MemoryRSS = mem.RSS
	}
	return info, nil
}

var _ Backend = (*ExecBackend)(nil)
