// Package metrics records balancer and supervisor activity.
//
// Components depend on the Collector interface; NewNoopCollector is used when
// no metrics listener is configured and PrometheusCollector otherwise.
package metrics

import (
	"time"
)

// Collector defines the interface for recording cluster metrics
type Collector interface {
	// RequestProxied records a request relayed from a worker
	RequestProxied(workerID int, method string, status int, duration time.Duration)

	// ProxyError records a request the balancer could not complete
	ProxyError(reason string)

	// ProxyRetry records a retry against the next worker
	ProxyRetry(workerID int)

	// WorkerSpawned records a worker fork
	WorkerSpawned(workerID int)

	// WorkerSpawnFailed records a fork that could not be issued
	WorkerSpawnFailed()

	// WorkerExited records a worker exit
	WorkerExited(workerID int, cause string)

	// WorkerRestartDelay records how long a replacement was held back
	WorkerRestartDelay(delay time.Duration)

	// PoolSize records the current number of registered workers
	PoolSize(n int)
}

// Proxy error reasons
const (
	ReasonNoWorkers    = "no_workers"
	ReasonUnreachable  = "unreachable"
	ReasonTimeout      = "timeout"
	ReasonBodyTooLarge = "body_too_large"
	ReasonReadBody     = "read_body"
	ReasonReadResponse = "read_response"
	ReasonBuildRequest = "build_request"
)

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (noopCollector) RequestProxied(workerID int, method string, status int, duration time.Duration) {
}
func (noopCollector) ProxyError(reason string)                {}
func (noopCollector) ProxyRetry(workerID int)                 {}
func (noopCollector) WorkerSpawned(workerID int)              {}
func (noopCollector) WorkerSpawnFailed()                      {}
func (noopCollector) WorkerExited(workerID int, cause string) {}
func (noopCollector) WorkerRestartDelay(delay time.Duration)  {}
func (noopCollector) PoolSize(n int)                          {}

// NewNoopCollector creates a collector that discards everything
func NewNoopCollector() Collector {
	return noopCollector{}
}
