package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrometheusCollector_Requests tests proxied request counters
func TestPrometheusCollector_Requests(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.RequestProxied(1, "GET", 200, 10*time.Millisecond)
	pc.RequestProxied(1, "GET", 200, 20*time.Millisecond)
	pc.RequestProxied(2, "POST", 201, 5*time.Millisecond)

	expected := `
		# HELP test_proxied_requests_total Total number of requests relayed from workers
		# TYPE test_proxied_requests_total counter
		test_proxied_requests_total{code="200",method="GET"} 2
		test_proxied_requests_total{code="201",method="POST"} 1
	`
	err := testutil.GatherAndCompare(pc.Registry(), strings.NewReader(expected), "test_proxied_requests_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pc.Registry(), "test_proxy_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestPrometheusCollector_BoundedSeries checks respawned workers do not
// create new series
func TestPrometheusCollector_BoundedSeries(t *testing.T) {
	pc := NewPrometheusCollector("test")

	for id := 1; id <= 100; id++ {
		pc.WorkerSpawned(id)
		pc.RequestProxied(id, "GET", 200, time.Millisecond)
		pc.ProxyRetry(id)
		pc.WorkerExited(id, "signal")
	}

	for _, name := range []string{
		"test_proxied_requests_total",
		"test_proxy_duration_seconds",
		"test_proxy_retries_total",
		"test_worker_spawns_total",
		"test_worker_exits_total",
	} {
		count, err := testutil.GatherAndCount(pc.Registry(), name)
		require.NoError(t, err)
		assert.Equal(t, 1, count, name)
	}
	assert.Equal(t, float64(100), testutil.ToFloat64(pc.spawns))
}

// TestPrometheusCollector_ProxyErrors tests error and retry counters
func TestPrometheusCollector_ProxyErrors(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.ProxyError(ReasonNoWorkers)
	pc.ProxyError(ReasonTimeout)
	pc.ProxyError(ReasonTimeout)
	pc.ProxyRetry(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(pc.proxyErrors.WithLabelValues(ReasonNoWorkers)))
	assert.Equal(t, float64(2), testutil.ToFloat64(pc.proxyErrors.WithLabelValues(ReasonTimeout)))
	assert.Equal(t, float64(1), testutil.ToFloat64(pc.proxyRetries))
}

// TestPrometheusCollector_Workers tests supervisor metrics
func TestPrometheusCollector_Workers(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.WorkerSpawned(1)
	pc.WorkerSpawned(2)
	pc.WorkerExited(1, "signal")
	pc.WorkerSpawnFailed()
	pc.WorkerRestartDelay(500 * time.Millisecond)
	pc.PoolSize(2)
	pc.PoolSize(1)

	assert.Equal(t, float64(2), testutil.ToFloat64(pc.spawns))
	assert.Equal(t, float64(1), testutil.ToFloat64(pc.exits.WithLabelValues("signal")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pc.spawnFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(pc.poolSize))

	count, err := testutil.GatherAndCount(pc.Registry(), "test_worker_restart_delay_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusCollector_DefaultNamespace(t *testing.T) {
	pc := NewPrometheusCollector("")
	pc.PoolSize(4)

	count, err := testutil.GatherAndCount(pc.Registry(), "usersvc_worker_pool_size")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusCollector_Handler(t *testing.T) {
	pc := NewPrometheusCollector("test")
	pc.WorkerSpawned(1)

	srv := httptest.NewServer(pc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_worker_spawns_total 1")
}

func TestNoopCollector(t *testing.T) {
	c := NewNoopCollector()
	assert.NotPanics(t, func() {
		c.RequestProxied(1, "GET", 200, time.Second)
		c.ProxyError(ReasonUnreachable)
		c.ProxyRetry(1)
		c.WorkerSpawned(1)
		c.WorkerSpawnFailed()
		c.WorkerExited(1, "exit")
		c.WorkerRestartDelay(time.Second)
		c.PoolSize(1)
	})
}
