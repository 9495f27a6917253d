// Package discovery resolves service lookup patterns against the
// registry, with a TTL cache over pattern queries and a bounded query
// history for diagnostics.
package discovery

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/helios-os/service_core/internal/health"
	"github.com/helios-os/service_core/internal/metrics"
	"github.com/helios-os/service_core/internal/registry"
	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/internal/state"
	"github.com/helios-os/service_core/pkg/logger"
)

const (
	// DefaultCacheTTL is how long a pattern result stays valid.
	DefaultCacheTTL = 30 * time.Second

	// DefaultCacheSize bounds the number of cached patterns.
	DefaultCacheSize = 256

	// DefaultHistorySize bounds the retained query history.
	DefaultHistorySize = 100
)

// QueryRecord describes one past discovery query.
type QueryRecord struct {
	Pattern   string        `json:"pattern"`
	Matches   int           `json:"matches"`
	CacheHit  bool          `json:"cache_hit"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Filter narrows a query beyond the name pattern. Zero-value fields do
// not constrain: an empty pattern matches everything, empty tag and
// type lists pass all services, MaxResults 0 means unbounded.
type Filter struct {
	Pattern       string         `json:"pattern,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Types         []service.Type `json:"types,omitempty"`
	HealthyOnly   bool           `json:"healthy_only,omitempty"`
	AvailableOnly bool           `json:"available_only,omitempty"`
	MaxResults    int            `json:"max_results,omitempty"`
}

// HealthSource reports the latest known health for a service. Filtered
// queries with HealthyOnly set consult it.
type HealthSource interface {
	Status(id service.ID) health.Report
}

// Stats aggregates discovery activity since creation.
type Stats struct {
	TotalQueries uint64        `json:"total_queries"`
	CacheHits    uint64        `json:"cache_hits"`
	CacheMisses  uint64        `json:"cache_misses"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

// Discovery matches name patterns against the registry. Results are
// cached per verbatim pattern string for a short TTL; the cache stores
// IDs, so handles unregistered since the cached query drop out of the
// resolved result.
type Discovery struct {
	reg     *registry.Registry
	cache   *expirable.LRU[string, []service.ID]
	health  HealthSource
	metrics metrics.Recorder
	log     *logger.Logger

	mu           sync.Mutex
	history      []QueryRecord
	historySize  int
	totalQueries uint64
	cacheHits    uint64
	cacheMisses  uint64
	totalLatency time.Duration
}

// Option configures a Discovery.
type Option func(*Discovery)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(d *Discovery) { d.metrics = r }
}

// WithHealthSource sets the health source consulted by filtered
// queries. Without one, HealthyOnly passes every service.
func WithHealthSource(hs HealthSource) Option {
	return func(d *Discovery) { d.health = hs }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(d *Discovery) { d.log = l }
}

// WithHistorySize overrides the query history bound.
func WithHistorySize(n int) Option {
	return func(d *Discovery) {
		if n > 0 {
			d.historySize = n
		}
	}
}

// New creates a discovery layer over the registry.
func New(reg *registry.Registry, opts ...Option) *Discovery {
	d := &Discovery{
		reg:         reg,
		cache:       expirable.NewLRU[string, []service.ID](DefaultCacheSize, nil, DefaultCacheTTL),
		metrics:     metrics.Nop{},
		log:         logger.NewNop(),
		historySize: DefaultHistorySize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Discover returns the handles whose names match the pattern, in
// ascending ID order. Supported patterns:
//
//	"*"          all services
//	"name"       exact match
//	"name*"      prefix match
//	"*name"      suffix match
//	"*name*"     substring match
//	"glob:p"     glob with * and ? wildcards
//	"regex:p"    Go regular expression
func (d *Discovery) Discover(pattern string) ([]*service.Handle, error) {
	start := time.Now()

	if ids, ok := d.cache.Get(pattern); ok {
		handles := d.resolve(ids)
		d.record(pattern, len(handles), true, time.Since(start))
		return handles, nil
	}

	match, err := compile(pattern)
	if err != nil {
		return nil, err
	}

	var handles []*service.Handle
	var ids []service.ID
	for _, h := range d.reg.List() {
		if match(h.Name()) {
			handles = append(handles, h)
			ids = append(ids, h.ID())
		}
	}

	d.cache.Add(pattern, ids)
	d.record(pattern, len(handles), false, time.Since(start))
	d.log.WithFields(map[string]any{
		"pattern": pattern,
		"matches": len(handles),
	}).Debug("pattern resolved")
	return handles, nil
}

// DiscoverByFilter returns the handles passing every constraint in the
// filter, in ascending ID order. Filtered queries bypass the pattern
// cache: the non-pattern constraints depend on live state.
func (d *Discovery) DiscoverByFilter(f Filter) ([]*service.Handle, error) {
	start := time.Now()

	pattern := f.Pattern
	if pattern == "" {
		pattern = "*"
	}
	match, err := compile(pattern)
	if err != nil {
		return nil, err
	}

	var handles []*service.Handle
	for _, h := range d.reg.List() {
		if !match(h.Name()) {
			continue
		}
		desc := h.Descriptor()
		if !hasAllTags(desc.Tags, f.Tags) {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, desc.Type) {
			continue
		}
		if f.AvailableOnly && h.State() != state.StateRunning {
			continue
		}
		if f.HealthyOnly && d.health != nil {
			st := d.health.Status(h.ID()).Status
			if st != health.StatusHealthy && st != health.StatusUnknown {
				continue
			}
		}
		handles = append(handles, h)
		if f.MaxResults > 0 && len(handles) >= f.MaxResults {
			break
		}
	}

	d.recordKind("filter", time.Since(start))
	return handles, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range have {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsType(types []service.Type, t service.Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// DiscoverByTag returns all services carrying the tag.
func (d *Discovery) DiscoverByTag(tag string) []*service.Handle {
	start := time.Now()
	handles := d.reg.ListByTag(tag)
	d.recordKind("tag", time.Since(start))
	return handles
}

// DiscoverByType returns all services of the given type.
func (d *Discovery) DiscoverByType(t service.Type) []*service.Handle {
	start := time.Now()
	handles := d.reg.ListByType(t)
	d.recordKind("type", time.Since(start))
	return handles
}

// Invalidate drops all cached pattern results. Called after registry
// membership changes so queries never return stale sets.
func (d *Discovery) Invalidate() {
	d.cache.Purge()
}

// History returns the retained query records, most recent first.
func (d *Discovery) History() []QueryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]QueryRecord, len(d.history))
	for i, rec := range d.history {
		out[len(d.history)-1-i] = rec
	}
	return out
}

// Stats returns aggregate query statistics.
func (d *Discovery) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		TotalQueries: d.totalQueries,
		CacheHits:    d.cacheHits,
		CacheMisses:  d.cacheMisses,
	}
	if d.totalQueries > 0 {
		s.AvgLatency = d.totalLatency / time.Duration(d.totalQueries)
	}
	return s
}

func (d *Discovery) resolve(ids []service.ID) []*service.Handle {
	var handles []*service.Handle
	for _, id := range ids {
		if h, err := d.reg.Get(id); err == nil {
			handles = append(handles, h)
		}
	}
	return handles
}

func (d *Discovery) record(pattern string, matches int, hit bool, elapsed time.Duration) {
	d.metrics.RecordDiscoveryQuery("pattern", elapsed, hit)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalQueries++
	d.totalLatency += elapsed
	if hit {
		d.cacheHits++
	} else {
		d.cacheMisses++
	}
	d.history = append(d.history, QueryRecord{
		Pattern:   pattern,
		Matches:   matches,
		CacheHit:  hit,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
	if len(d.history) > d.historySize {
		d.history = d.history[len(d.history)-d.historySize:]
	}
}

func (d *Discovery) recordKind(kind string, elapsed time.Duration) {
	d.metrics.RecordDiscoveryQuery(kind, elapsed, false)
}

// compile turns a pattern into a name predicate.
func compile(pattern string) (func(string) bool, error) {
	switch {
	case pattern == "*":
		return func(string) bool { return true }, nil

	case strings.HasPrefix(pattern, "regex:"):
		re, err := regexp.Compile(strings.TrimPrefix(pattern, "regex:"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid regex pattern: %v", service.ErrInvalidPattern, err)
		}
		return re.MatchString, nil

	case strings.HasPrefix(pattern, "glob:"):
		glob := strings.TrimPrefix(pattern, "glob:")
		return func(name string) bool { return matchGlob(glob, name) }, nil

	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		sub := pattern[1 : len(pattern)-1]
		return func(name string) bool { return strings.Contains(name, sub) }, nil

	case strings.HasSuffix(pattern, "*"):
		prefix := pattern[:len(pattern)-1]
		return func(name string) bool { return strings.HasPrefix(name, prefix) }, nil

	case strings.HasPrefix(pattern, "*"):
		suffix := pattern[1:]
		return func(name string) bool { return strings.HasSuffix(name, suffix) }, nil

	default:
		return func(name string) bool { return name == pattern }, nil
	}
}

// matchGlob matches name against a glob supporting '*' (any run) and
// '?' (any single byte), using two-pointer backtracking rather than
// recursion.
func matchGlob(pattern, name string) bool {
	p, n := 0, 0
	star, mark := -1, 0
	for n < len(name) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == name[n]):
			p++
			n++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = n
			p++
		case star >= 0:
			p = star + 1
			mark++
			n = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
