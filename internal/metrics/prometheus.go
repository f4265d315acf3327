package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	// Balancer metrics
	requests     *prometheus.CounterVec
	latency      prometheus.Histogram
	proxyErrors  *prometheus.CounterVec
	proxyRetries prometheus.Counter

	// Supervisor metrics
	spawns        prometheus.Counter
	spawnFailures prometheus.Counter
	exits         *prometheus.CounterVec
	restartDelay  prometheus.Histogram
	poolSize      prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector with its own registry
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "usersvc"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_requests_total",
			Help:      "Total number of requests relayed from workers",
		},
		[]string{"method", "code"},
	)

	pc.latency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_duration_seconds",
			Help:      "Duration of proxied requests including the worker round trip",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pc.proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Total number of requests the balancer failed to proxy",
		},
		[]string{"reason"},
	)

	pc.proxyRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_retries_total",
			Help:      "Total number of requests retried against another worker",
		},
	)

	pc.spawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Total number of worker processes forked",
		},
	)

	pc.spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Total number of worker forks that failed to start",
		},
	)

	pc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of worker process exits",
		},
		[]string{"cause"},
	)

	pc.restartDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_restart_delay_seconds",
			Help:      "Delay applied by the restart policy before forking a replacement",
			Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	pc.poolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_size",
			Help:      "Current number of registered workers",
		},
	)

	pc.registry.MustRegister(
		pc.requests,
		pc.latency,
		pc.proxyErrors,
		pc.proxyRetries,
		pc.spawns,
		pc.spawnFailures,
		pc.exits,
		pc.restartDelay,
		pc.poolSize,
	)

	return pc
}

// RequestProxied records a relayed request. Worker ids are never reused,
// so series are not labeled by worker.
func (pc *PrometheusCollector) RequestProxied(_ int, method string, status int, duration time.Duration) {
	pc.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	pc.latency.Observe(duration.Seconds())
}

// ProxyError records a failed proxy attempt
func (pc *PrometheusCollector) ProxyError(reason string) {
	pc.proxyErrors.WithLabelValues(reason).Inc()
}

// ProxyRetry records a retry against another worker
func (pc *PrometheusCollector) ProxyRetry(int) {
	pc.proxyRetries.Inc()
}

// WorkerSpawned records a worker fork
func (pc *PrometheusCollector) WorkerSpawned(int) {
	pc.spawns.Inc()
}

// WorkerSpawnFailed records a failed fork
func (pc *PrometheusCollector) WorkerSpawnFailed() {
	pc.spawnFailures.Inc()
}

// WorkerExited records a worker exit
func (pc *PrometheusCollector) WorkerExited(_ int, cause string) {
	pc.exits.WithLabelValues(cause).Inc()
}

// WorkerRestartDelay records a restart delay
func (pc *PrometheusCollector) WorkerRestartDelay(delay time.Duration) {
	pc.restartDelay.Observe(delay.Seconds())
}

// PoolSize records the registered worker count
func (pc *PrometheusCollector) PoolSize(n int) {
	pc.poolSize.Set(float64(n))
}

// Registry returns the Prometheus registry
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the collector's metrics in the Prometheus text format
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
