// Package metrics provides telemetry for the service core. It wraps
// Prometheus collectors covering lifecycle transitions, health probes,
// recovery actions, discovery queries and balancing decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records service core metrics into its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	// Lifecycle metrics.
	serviceState  *prometheus.GaugeVec
	startLatency  *prometheus.HistogramVec
	stopLatency   *prometheus.HistogramVec
	restartsTotal *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec

	// Health metrics.
	healthChecksTotal  *prometheus.CounterVec
	healthCheckLatency *prometheus.HistogramVec

	// Recovery metrics.
	recoveryAttempts  *prometheus.CounterVec
	recoverySuccesses *prometheus.CounterVec
	recoveryFailures  *prometheus.CounterVec

	// Discovery metrics.
	discoveryQueries *prometheus.CounterVec
	discoveryLatency prometheus.Histogram
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter

	// Dependency metrics.
	dependencyCycles  prometheus.Counter
	dependencyTimeout prometheus.Counter

	// Balancer metrics.
	balancingDecisions *prometheus.CounterVec

	startTime time.Time
	uptime    prometheus.Gauge
}

// NewCollector creates a collector registered under the given namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "servicecore"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.serviceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "state",
		Help:      "Current lifecycle state (0=uninitialized, 1=registered, 2=starting, 3=running, 4=stopping, 5=stopped, 6=failed)",
	}, []string{"service", "type"})

	c.startLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "start_duration_seconds",
		Help:      "Time taken to start a service including dependency waits",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"service", "result"})

	c.stopLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "stop_duration_seconds",
		Help:      "Time taken to stop a service",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"service", "result"})

	c.restartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "restarts_total",
		Help:      "Total number of recovery restarts",
	}, []string{"service"})

	c.failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "failures_total",
		Help:      "Total number of observed service failures",
	}, []string{"service", "phase"})

	c.healthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Total number of health probes by outcome",
	}, []string{"service", "status"})

	c.healthCheckLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "check_duration_seconds",
		Help:      "Health probe latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"service"})

	c.recoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "attempts_total",
		Help:      "Total number of recovery attempts",
	}, []string{"service"})

	c.recoverySuccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "successes_total",
		Help:      "Total number of successful recoveries",
	}, []string{"service"})

	c.recoveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "failures_total",
		Help:      "Total number of failed recoveries",
	}, []string{"service"})

	c.discoveryQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "queries_total",
		Help:      "Total number of discovery queries",
	}, []string{"kind"})

	c.discoveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "query_duration_seconds",
		Help:      "Discovery query latency including cache hits",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "cache_hits_total",
		Help:      "Total number of discovery cache hits",
	})

	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "cache_misses_total",
		Help:      "Total number of discovery cache misses",
	})

	c.dependencyCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dependency",
		Name:      "cycles_detected_total",
		Help:      "Total number of dependency cycles detected",
	})

	c.dependencyTimeout = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dependency",
		Name:      "wait_timeouts_total",
		Help:      "Total number of dependency waits that timed out",
	})

	c.balancingDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "balancer",
		Name:      "decisions_total",
		Help:      "Total number of load balancing decisions",
	}, []string{"name", "strategy"})

	c.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Manager uptime in seconds",
	})

	c.registry.MustRegister(
		c.serviceState,
		c.startLatency,
		c.stopLatency,
		c.restartsTotal,
		c.failuresTotal,
		c.healthChecksTotal,
		c.healthCheckLatency,
		c.recoveryAttempts,
		c.recoverySuccesses,
		c.recoveryFailures,
		c.discoveryQueries,
		c.discoveryLatency,
		c.cacheHits,
		c.cacheMisses,
		c.dependencyCycles,
		c.dependencyTimeout,
		c.balancingDecisions,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry for exposition.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordServiceState records a service's current lifecycle state.
func (c *Collector) RecordServiceState(svc, svcType string, st int) {
	c.serviceState.WithLabelValues(svc, svcType).Set(float64(st))
}

// RecordStart records start latency and outcome.
func (c *Collector) RecordStart(svc string, d time.Duration, err error) {
	c.startLatency.WithLabelValues(svc, result(err)).Observe(d.Seconds())
	if err != nil {
		c.failuresTotal.WithLabelValues(svc, "start").Inc()
	}
}

// RecordStop records stop latency and outcome.
func (c *Collector) RecordStop(svc string, d time.Duration, err error) {
	c.stopLatency.WithLabelValues(svc, result(err)).Observe(d.Seconds())
	if err != nil {
		c.failuresTotal.WithLabelValues(svc, "stop").Inc()
	}
}

// RecordRestart counts one recovery restart.
func (c *Collector) RecordRestart(svc string) {
	c.restartsTotal.WithLabelValues(svc).Inc()
}

// RecordFailure counts an observed failure in the given phase.
func (c *Collector) RecordFailure(svc, phase string) {
	c.failuresTotal.WithLabelValues(svc, phase).Inc()
}

// RecordHealthCheck records one probe outcome and latency.
func (c *Collector) RecordHealthCheck(svc, status string, d time.Duration) {
	c.healthChecksTotal.WithLabelValues(svc, status).Inc()
	c.healthCheckLatency.WithLabelValues(svc).Observe(d.Seconds())
}

// RecordRecoveryAttempt counts one recovery attempt.
func (c *Collector) RecordRecoveryAttempt(svc string) {
	c.recoveryAttempts.WithLabelValues(svc).Inc()
}

// RecordRecoveryResult counts the outcome of a recovery attempt.
func (c *Collector) RecordRecoveryResult(svc string, err error) {
	if err != nil {
		c.recoveryFailures.WithLabelValues(svc).Inc()
		return
	}
	c.recoverySuccesses.WithLabelValues(svc).Inc()
}

// RecordDiscoveryQuery records one discovery query with cache outcome.
func (c *Collector) RecordDiscoveryQuery(kind string, d time.Duration, cacheHit bool) {
	c.discoveryQueries.WithLabelValues(kind).Inc()
	c.discoveryLatency.Observe(d.Seconds())
	if cacheHit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// RecordDependencyCycle counts one detected cycle.
func (c *Collector) RecordDependencyCycle() { c.dependencyCycles.Inc() }

// RecordDependencyTimeout counts one dependency wait that timed out.
func (c *Collector) RecordDependencyTimeout() { c.dependencyTimeout.Inc() }

// RecordBalancingDecision counts one instance selection.
func (c *Collector) RecordBalancingDecision(name, strategy string) {
	c.balancingDecisions.WithLabelValues(name, strategy).Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (c *Collector) UpdateUptime() {
	c.uptime.Set(time.Since(c.startTime).Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RecordServiceState(string, string, int)              {}
func (Nop) RecordStart(string, time.Duration, error)            {}
func (Nop) RecordStop(string, time.Duration, error)             {}
func (Nop) RecordRestart(string)                                {}
func (Nop) RecordFailure(string, string)                        {}
func (Nop) RecordHealthCheck(string, string, time.Duration)     {}
func (Nop) RecordRecoveryAttempt(string)                        {}
func (Nop) RecordRecoveryResult(string, error)                  {}
func (Nop) RecordDiscoveryQuery(string, time.Duration, bool)    {}
func (Nop) RecordDependencyCycle()                              {}
func (Nop) RecordDependencyTimeout()                            {}
func (Nop) RecordBalancingDecision(string, string)              {}
func (Nop) UpdateUptime()                                       {}

// Recorder is the metrics interface consumed by core components.
type Recorder interface {
	RecordServiceState(svc, svcType string, st int)
	RecordStart(svc string, d time.Duration, err error)
	RecordStop(svc string, d time.Duration, err error)
	RecordRestart(svc string)
	RecordFailure(svc, phase string)
	RecordHealthCheck(svc, status string, d time.Duration)
	RecordRecoveryAttempt(svc string)
	RecordRecoveryResult(svc string, err error)
	RecordDiscoveryQuery(kind string, d time.Duration, cacheHit bool)
	RecordDependencyCycle()
	RecordDependencyTimeout()
	RecordBalancingDecision(name, strategy string)
	UpdateUptime()
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
