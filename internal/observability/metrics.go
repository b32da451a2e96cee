package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the runtime. All observe
// methods are nil-tolerant so components under test can run without a registry.
type Metrics struct {
	SwitchLatency  prometheus.Histogram
	SwitchOutcomes *prometheus.CounterVec
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheBytes     *prometheus.GaugeVec
	CacheEntries   *prometheus.GaugeVec
	ContextsCached prometheus.Gauge

	switchWindow *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SwitchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "switch_latency_ms",
			Help:      "End-to-end project switch latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		SwitchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_outcomes_total",
			Help:      "Project switches by outcome.",
		}, []string{"outcome"}),
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Resource cache hits by cache.",
		}, []string{"cache"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Resource cache misses by cache.",
		}, []string{"cache"}),
		CacheEvictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Resource cache evictions by cache.",
		}, []string{"cache"}),
		CacheBytes: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes currently held by each resource cache.",
		}, []string{"cache"}),
		CacheEntries: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by each resource cache.",
		}, []string{"cache"}),
		ContextsCached: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_cached",
			Help:      "Conversation contexts currently materialized in memory.",
		}),
		switchWindow: newStageWindow(256, defaultStageTargets()),
	}
}

func (m *Metrics) ObserveSwitchLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SwitchLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSwitchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SwitchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) ObserveCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) ObserveCacheEviction(cache string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(cache).Inc()
}

func (m *Metrics) SetCacheUsage(cache string, bytes int64, entries int) {
	if m == nil {
		return
	}
	m.CacheBytes.WithLabelValues(cache).Set(float64(bytes))
	m.CacheEntries.WithLabelValues(cache).Set(float64(entries))
}

func (m *Metrics) SetContextsCached(n int) {
	if m == nil {
		return
	}
	m.ContextsCached.Set(float64(n))
}

// ObserveSwitchStage records a stage latency sample into the rolling window
// behind the perf endpoint.
func (m *Metrics) ObserveSwitchStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.switchWindow.Observe(stage, float64(d.Microseconds())/1000.0)
}

// ObserveFallback counts a resource ("overlay", "index", "context") landing on
// its fallback during a switch.
func (m *Metrics) ObserveFallback(resource string) {
	if m == nil {
		return
	}
	m.switchWindow.ObserveFallback(resource)
}

// SetStageTargetP95 overrides a stage's p95 latency target, e.g. the
// configured fast-path bound for cached switches.
func (m *Metrics) SetStageTargetP95(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.switchWindow.SetTarget(stage, float64(d.Microseconds())/1000.0)
}

func (m *Metrics) SwitchStageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.switchWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
