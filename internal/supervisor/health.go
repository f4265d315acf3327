package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/cluster"
)

// HealthPath is requested on each worker by the health monitor.
const HealthPath = "/api/users"

// Worker health states
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// WorkerHealth tracks liveness checks for one worker.
type WorkerHealth struct {
	LastCheck        time.Time // last check attempt
	LastHealthy      time.Time // last successful check
	Status           string
	WorkerID         int
	ConsecutiveFails int
}

// HealthMonitor periodically checks every ready worker and reports the ones
// that stop answering. A worker that exits is handled by the supervisor; the
// monitor catches workers that are alive but hung. A check is an HTTP GET of
// HealthPath that must return 200 within the timeout: an accepted TCP
// connection alone says nothing about a frozen process.
//
// Monitoring lifecycle:
//  1. Worker becomes ready and appears in the registry
//  2. Each interval the monitor requests HealthPath from it
//  3. After maxFailures consecutive failures it is reported unhealthy once
//  4. A worker that leaves the registry is forgotten
type HealthMonitor struct {
	registry    *cluster.Registry
	log         *zap.SugaredLogger
	check       ProbeFunc
	client      *http.Client
	onUnhealthy func(cluster.WorkerHandle)
	workers     map[int]*WorkerHealth
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	mu          sync.RWMutex
}

// NewHealthMonitor checks registry workers every interval and reports a
// worker after maxFailures consecutive failed checks.
func NewHealthMonitor(registry *cluster.Registry, log *zap.SugaredLogger, interval time.Duration, maxFailures int) *HealthMonitor {
	if maxFailures < 1 {
		maxFailures = 1
	}
	h := &HealthMonitor{
		registry:    registry,
		log:         log,
		workers:     make(map[int]*WorkerHealth),
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
	h.check = h.httpCheck
	return h
}

// SetOnUnhealthy sets the callback run when a worker turns unhealthy.
// It runs on the monitor goroutine.
func (h *HealthMonitor) SetOnUnhealthy(fn func(cluster.WorkerHandle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = fn
}

// Run checks workers until ctx is canceled.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Infow("health monitor started", "interval", h.interval, "max_failures", h.maxFailures)
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx)
		case <-ctx.Done():
			h.log.Infow("health monitor stopped")
			return
		}
	}
}

func (h *HealthMonitor) checkAll(ctx context.Context) {
	current := make(map[int]bool)
	for _, w := range h.registry.Snapshot() {
		if !w.Ready {
			continue
		}
		current[w.ID] = true
		h.checkWorker(ctx, w)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.workers {
		if !current[id] {
			delete(h.workers, id)
		}
	}
}

func (h *HealthMonitor) checkWorker(ctx context.Context, w cluster.WorkerHandle) {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.check(cctx, w.Addr())
	cancel()
	if ctx.Err() != nil {
		return
	}

	now := time.Now()
	h.mu.Lock()
	health, ok := h.workers[w.ID]
	if !ok {
		health = &WorkerHealth{WorkerID: w.ID, Status: StatusUnknown, LastHealthy: now}
		h.workers[w.ID] = health
	}
	health.LastCheck = now

	var report func(cluster.WorkerHandle)
	if err != nil {
		health.ConsecutiveFails++
		h.log.Warnw("worker health check failed",
			"worker", w.ID, "addr", w.Addr(), "attempt", health.ConsecutiveFails, "error", err)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			report = h.onUnhealthy
		}
	} else {
		if health.Status == StatusUnhealthy {
			h.log.Infow("worker recovered", "worker", w.ID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = now
	}
	h.mu.Unlock()

	if report != nil {
		h.log.Errorw("worker unhealthy", "worker", w.ID, "pid", w.PID, "failures", h.maxFailures)
		report(w)
	}
}

// Health returns a copy of the worker's health record.
func (h *HealthMonitor) Health(id int) (WorkerHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.workers[id]
	if !ok {
		return WorkerHealth{}, false
	}
	return *health, true
}

// httpCheck requests HealthPath on addr and expects a 200.
func (h *HealthMonitor) httpCheck(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+HealthPath, nil)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
