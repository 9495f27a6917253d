// Package balancer selects one instance among equivalent running
// services. Only instances that are Running and not known-unhealthy are
// eligible; selection among them follows a pluggable strategy.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/helios-os/service_core/internal/health"
	"github.com/helios-os/service_core/internal/metrics"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
)

// Strategy picks one handle from a non-empty candidate slice. The
// group key identifies the logical service the candidates belong to, so
// stateful strategies (round robin, least connections) can keep
// per-group cursors.
type Strategy interface {
	Name() string
	Pick(group string, candidates []*service.Handle) *service.Handle
}

// HealthSource reports the latest probe classification per service.
// The health monitor implements it.
type HealthSource interface {
	Status(id service.ID) health.Report
}

// Balancer filters candidates down to eligible instances and delegates
// the choice to its strategy. It also tracks active connections per
// instance for the least-connections strategy.
type Balancer struct {
	strategy Strategy
	healthy  HealthSource
	metrics  metrics.Recorder

	mu    sync.Mutex
	conns map[service.ID]*int64
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(b *Balancer) { b.metrics = r }
}

// WithHealthSource sets where eligibility checks read health from.
// Without one, every Running instance is eligible.
func WithHealthSource(hs HealthSource) Option {
	return func(b *Balancer) { b.healthy = hs }
}

// New creates a balancer with the given strategy.
func New(strategy Strategy, opts ...Option) *Balancer {
	b := &Balancer{
		strategy: strategy,
		metrics:  metrics.Nop{},
		conns:    make(map[service.ID]*int64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Pick selects an eligible instance from the candidates. The group key
// names the logical service (usually the discovery pattern or name).
// Returns service.ErrNoHealthyInstance when no candidate is eligible.
func (b *Balancer) Pick(group string, candidates []*service.Handle) (*service.Handle, error) {
	eligible := make([]*service.Handle, 0, len(candidates))
	for _, h := range candidates {
		if b.eligible(h) {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) == 0 {
		return nil, service.ErrNoHealthyInstance
	}

	picked := b.strategy.Pick(group, eligible)
	b.metrics.RecordBalancingDecision(group, b.strategy.Name())
	atomic.AddInt64(b.counter(picked.ID()), 1)
	return picked, nil
}

// Release marks one connection to the instance as finished.
func (b *Balancer) Release(id service.ID) {
	c := b.counter(id)
	if atomic.AddInt64(c, -1) < 0 {
		atomic.StoreInt64(c, 0)
	}
}

// ActiveConnections returns the live connection count for an instance.
func (b *Balancer) ActiveConnections(id service.ID) int64 {
	return atomic.LoadInt64(b.counter(id))
}

// eligible accepts Running instances whose health is Healthy or Unknown.
// Degraded and Unhealthy instances are skipped.
func (b *Balancer) eligible(h *service.Handle) bool {
	if h.State() != state.StateRunning {
		return false
	}
	if b.healthy == nil {
		return true
	}
	switch b.healthy.Status(h.ID()).Status {
	case health.StatusHealthy, health.StatusUnknown:
		return true
	default:
		return false
	}
}

func (b *Balancer) counter(id service.ID) *int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		c = new(int64)
		b.conns[id] = c
	}
	return c
}

// RoundRobin cycles through candidates per group.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]*uint64
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]*uint64)}
}

// Name implements Strategy.
func (r *RoundRobin) Name() string { return "round_robin" }

// Pick implements Strategy.
func (r *RoundRobin) Pick(group string, candidates []*service.Handle) *service.Handle {
	r.mu.Lock()
	cursor, ok := r.cursors[group]
	if !ok {
		cursor = new(uint64)
		r.cursors[group] = cursor
	}
	r.mu.Unlock()

	n := atomic.AddUint64(cursor, 1) - 1
	return candidates[n%uint64(len(candidates))]
}

// LeastConnections picks the instance with the fewest live connections.
// Ties break on the lowest service ID.
type LeastConnections struct {
	balancer *Balancer
}

// NewLeastConnections creates a least-connections strategy bound to the
// balancer's connection counters.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Bind attaches the strategy to the balancer whose counters it reads.
// New calls this automatically via NewWithLeastConnections.
func (l *LeastConnections) Bind(b *Balancer) { l.balancer = b }

// Name implements Strategy.
func (l *LeastConnections) Name() string { return "least_connections" }

// Pick implements Strategy.
func (l *LeastConnections) Pick(_ string, candidates []*service.Handle) *service.Handle {
	best := candidates[0]
	var bestConns int64
	if l.balancer != nil {
		bestConns = l.balancer.ActiveConnections(best.ID())
	}
	for _, h := range candidates[1:] {
		var conns int64
		if l.balancer != nil {
			conns = l.balancer.ActiveConnections(h.ID())
		}
		if conns < bestConns || (conns == bestConns && h.ID() < best.ID()) {
			best = h
			bestConns = conns
		}
	}
	return best
}

// NewWithLeastConnections wires a balancer and a least-connections
// strategy together.
func NewWithLeastConnections(opts ...Option) *Balancer {
	lc := NewLeastConnections()
	b := New(lc, opts...)
	lc.Bind(b)
	return b
}

// WeightedRoundRobin distributes picks proportionally to descriptor
// weights using smooth weighted round robin.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]map[service.ID]int
}

// NewWeightedRoundRobin creates a weighted round-robin strategy.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{current: make(map[string]map[service.ID]int)}
}

// Name implements Strategy.
func (w *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

// Pick implements Strategy.
func (w *WeightedRoundRobin) Pick(group string, candidates []*service.Handle) *service.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, ok := w.current[group]
	if !ok {
		state = make(map[service.ID]int)
		w.current[group] = state
	}

	total := 0
	var best *service.Handle
	for _, h := range candidates {
		weight := h.Descriptor().Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
		state[h.ID()] += weight
		if best == nil || state[h.ID()] > state[best.ID()] {
			best = h
		}
	}
	state[best.ID()] -= total
	return best
}

// Random picks uniformly at random.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a random strategy seeded from the given source.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

// Name implements Strategy.
func (r *Random) Name() string { return "random" }

// Pick implements Strategy.
func (r *Random) Pick(_ string, candidates []*service.Handle) *service.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return candidates[r.rng.Intn(len(candidates))]
}

// ForName returns the strategy registered under a configuration name.
func ForName(name string, seed int64) (Strategy, bool) {
	switch name {
	case "round_robin", "":
		return NewRoundRobin(), true
	case "least_connections":
		return NewLeastConnections(), true
	case "weighted_round_robin":
		return NewWeightedRoundRobin(), true
	case "random":
		return NewRandom(seed), true
	default:
		return nil, false
	}
}

var (
	_ Strategy = (*RoundRobin)(nil)
	_ Strategy = (*LeastConnections)(nil)
	_ Strategy = (*WeightedRoundRobin)(nil)
	_ Strategy = (*Random)(nil)
)
