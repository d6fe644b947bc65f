package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for goxeld metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	connectionsOpen  prometheus.Gauge
	connectionErrors prometheus.Counter

	queueDepth prometheus.Gauge
	queueWait  prometheus.Histogram

	rendersTotal       prometheus.Counter
	renderEvictions    prometheus.Counter
	renderCacheBytes   prometheus.Gauge
	renderCacheEntries prometheus.Gauge

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for request duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of dispatched RPC requests",
			},
			[]string{"method", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_ms",
				Help:      "RPC request processing duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),

		connectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_open",
				Help:      "Currently open client connections",
			},
		),

		connectionErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Unexpected per-connection I/O errors",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Requests currently queued across all priority bands",
			},
		),

		queueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_ms",
				Help:      "Time requests spend queued before a worker picks them up",
				Buckets:   buckets,
			},
		),

		rendersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Total render artifacts registered",
			},
		),

		renderEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "render_evictions_total",
				Help:      "Render artifacts removed by TTL expiry or budget eviction",
			},
		),

		renderCacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "render_cache_bytes",
				Help:      "Bytes currently held by the render artifact cache",
			},
		),

		renderCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "render_cache_entries",
				Help:      "Entries currently held by the render artifact cache",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(global.startTime).Seconds() },
	)

	registry.MustRegister(
		pm.requestsTotal, pm.requestDuration,
		pm.connectionsOpen, pm.connectionErrors,
		pm.queueDepth, pm.queueWait,
		pm.rendersTotal, pm.renderEvictions,
		pm.renderCacheBytes, pm.renderCacheEntries,
		pm.uptime,
	)

	promMetrics = pm
}

// Handler returns the scrape handler for the goxeld registry, nil when
// Prometheus metrics are not initialized.
func Handler() http.Handler {
	if promMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) recordRequest(method string, success bool, elapsed time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pm.requestsTotal.WithLabelValues(method, status).Inc()
	pm.requestDuration.WithLabelValues(method).Observe(float64(elapsed.Milliseconds()))
}

func (pm *PrometheusMetrics) recordConnection(opened bool) {
	if opened {
		pm.connectionsOpen.Inc()
	} else {
		pm.connectionsOpen.Dec()
	}
}
