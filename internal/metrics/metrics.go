// Package metrics exposes the Prometheus collectors reported by the engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report engine activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	nodeDuration *prometheus.HistogramVec
	nodeRetries  *prometheus.CounterVec
	cacheHits    prometheus.Counter
	dlqEntries   *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runsTotal    *prometheus.CounterVec
	triggerFires *prometheus.CounterVec
	lockTimeouts prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the engine is instantiated multiple
// times (e.g. in unit tests).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error panics,
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	nodeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Duration of each node execution by type and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_type", "status"},
	)
	nodeRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "node_retries_total",
			Help:      "Number of node execution retry attempts.",
		},
		[]string{"node_type"},
	)
	cacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "result_cache_hits_total",
			Help:      "Number of node executions satisfied from the result cache.",
		},
	)
	dlqEntries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "dlq_entries_total",
			Help:      "Number of node failures published to the dead-letter queue.",
		},
		[]string{"node_type"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of workflow runs currently executing.",
		},
	)
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of workflow runs by terminal status.",
		},
		[]string{"status"},
	)
	triggerFires := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "trigger_fires_total",
			Help:      "Number of trigger firings by trigger type.",
		},
		[]string{"trigger_type"},
	)
	lockTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "lock_timeouts_total",
			Help:      "Number of distributed lock acquisitions that timed out.",
		},
	)

	collectors := []prometheus.Collector{
		nodeDuration, nodeRetries, cacheHits, dlqEntries,
		runsActive, runsTotal, triggerFires, lockTimeouts,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case nodeDuration:
					nodeDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case nodeRetries:
					nodeRetries = already.ExistingCollector.(*prometheus.CounterVec)
				case cacheHits:
					cacheHits = already.ExistingCollector.(prometheus.Counter)
				case dlqEntries:
					dlqEntries = already.ExistingCollector.(*prometheus.CounterVec)
				case runsActive:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case runsTotal:
					runsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case triggerFires:
					triggerFires = already.ExistingCollector.(*prometheus.CounterVec)
				case lockTimeouts:
					lockTimeouts = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		nodeDuration: nodeDuration,
		nodeRetries:  nodeRetries,
		cacheHits:    cacheHits,
		dlqEntries:   dlqEntries,
		runsActive:   runsActive,
		runsTotal:    runsTotal,
		triggerFires: triggerFires,
		lockTimeouts: lockTimeouts,
	}
}

// ObserveNodeDuration records the wall time of one node execution.
func (m *Metrics) ObserveNodeDuration(nodeType, status string, duration time.Duration) {
	if m == nil || m.nodeDuration == nil {
		return
	}
	m.nodeDuration.WithLabelValues(nodeType, status).Observe(duration.Seconds())
}

// IncNodeRetry counts one retry attempt for a node type.
func (m *Metrics) IncNodeRetry(nodeType string) {
	if m == nil || m.nodeRetries == nil {
		return
	}
	m.nodeRetries.WithLabelValues(nodeType).Inc()
}

// IncCacheHit counts one result-cache hit.
func (m *Metrics) IncCacheHit() {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Inc()
}

// IncDLQEntry counts one dead-letter publication for a node type.
func (m *Metrics) IncDLQEntry(nodeType string) {
	if m == nil || m.dlqEntries == nil {
		return
	}
	m.dlqEntries.WithLabelValues(nodeType).Inc()
}

// IncActiveRuns marks a run as started.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}

// IncRun counts one run reaching a terminal status.
func (m *Metrics) IncRun(status string) {
	if m == nil || m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// IncTriggerFire counts one trigger firing.
func (m *Metrics) IncTriggerFire(triggerType string) {
	if m == nil || m.triggerFires == nil {
		return
	}
	m.triggerFires.WithLabelValues(triggerType).Inc()
}

// IncLockTimeout counts one distributed lock acquisition timeout.
func (m *Metrics) IncLockTimeout() {
	if m == nil || m.lockTimeouts == nil {
		return
	}
	m.lockTimeouts.Inc()
}
