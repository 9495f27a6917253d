package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Limiter errors.
var (
	ErrLimiterClosed = errors.New("limiter is closed")
)

// Limiter bounds the number of concurrently running probes so a sweep
// over a large registry cannot exhaust the host.
type Limiter struct {
	mu      sync.Mutex
	max     int
	permits chan struct{}
	closed  bool

	active        int32
	totalAcquired int64
	totalRejected int64
}

// NewLimiter creates a limiter allowing up to max concurrent permits.
// max <= 0 means unlimited.
func NewLimiter(max int) *Limiter {
	l := &Limiter{max: max}
	if max > 0 {
		l.permits = make(chan struct{}, max)
		for i := 0; i < max; i++ {
			l.permits <- struct{}{}
		}
	}
	return l
}

// Acquire blocks until a permit is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.max <= 0 {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	l.mu.Unlock()

	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a permit without blocking.
func (l *Limiter) TryAcquire() bool {
	if l.max <= 0 {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	default:
		atomic.AddInt64(&l.totalRejected, 1)
		return false
	}
}

// Release returns a permit to the pool.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)

	if l.max > 0 {
		l.mu.Lock()
		if !l.closed {
			select {
			case l.permits <- struct{}{}:
			default:
				// Acquire/release imbalance; drop rather than block.
			}
		}
		l.mu.Unlock()
	}
}

// Close releases any waiting goroutines.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.permits != nil {
		close(l.permits)
	}
}

// Active returns the number of permits currently held.
func (l *Limiter) Active() int {
	return int(atomic.LoadInt32(&l.active))
}
