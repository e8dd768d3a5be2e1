// Package metrics provides Prometheus instrumentation for the pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pool's Prometheus metrics. A nil *Collector is
// valid and records nothing, so instrumentation stays optional.
type Collector struct {
	PoolActive prometheus.Gauge
	PoolCount  prometheus.Gauge

	SpawnsTotal    prometheus.Counter
	EvictionsTotal *prometheus.CounterVec
	RestartsTotal  prometheus.Counter
	BusyTotal      prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a metrics collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		PoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appyard_pool_active",
			Help: "Workers with outstanding sessions.",
		}),
		PoolCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appyard_pool_count",
			Help: "Total live workers.",
		}),
		SpawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appyard_spawns_total",
			Help: "Workers spawned.",
		}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appyard_evictions_total",
			Help: "Workers evicted, by reason.",
		}, []string{"reason"}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appyard_restarts_total",
			Help: "App restarts triggered by the restart file.",
		}),
		BusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appyard_busy_total",
			Help: "Requests rejected because the pool was too busy.",
		}),
		registry: reg,
	}

	reg.MustRegister(c.PoolActive, c.PoolCount, c.SpawnsTotal,
		c.EvictionsTotal, c.RestartsTotal, c.BusyTotal)
	return c
}

// SetPoolState publishes the pool gauges.
func (c *Collector) SetPoolState(active, count int) {
	if c == nil {
		return
	}
	c.PoolActive.Set(float64(active))
	c.PoolCount.Set(float64(count))
}

// ObserveSpawn records one worker spawn.
func (c *Collector) ObserveSpawn() {
	if c == nil {
		return
	}
	c.SpawnsTotal.Inc()
}

// ObserveEviction records one worker eviction.
func (c *Collector) ObserveEviction(reason string) {
	if c == nil {
		return
	}
	c.EvictionsTotal.WithLabelValues(reason).Inc()
}

// ObserveRestart records one restart-file triggered app restart.
func (c *Collector) ObserveRestart() {
	if c == nil {
		return
	}
	c.RestartsTotal.Inc()
}

// ObserveBusy records one busy rejection.
func (c *Collector) ObserveBusy() {
	if c == nil {
		return
	}
	c.BusyTotal.Inc()
}

// Handler returns an HTTP handler exposing the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
