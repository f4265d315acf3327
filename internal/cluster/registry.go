package cluster

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrNoWorkers is returned by Next when no ready worker is registered.
var ErrNoWorkers = errors.New("no live workers available")

// WorkerHandle describes one live worker process.
type WorkerHandle struct {
	// StartedAt is when the worker was forked.
	StartedAt time.Time

	// Host is the interface the worker listens on.
	Host string

	// ID is the sequential worker index assigned at fork time.
	// It is stable for the worker's lifetime and never reused.
	ID int

	// PID is the OS process id.
	PID int

	// Port is basePort + ID.
	Port int

	// Ready is set once the worker's port accepts connections.
	Ready bool
}

// Addr returns host:port for dialing the worker.
func (w WorkerHandle) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// Registry is the ordered set of live workers plus the round-robin cursor.
//
// Insertion order is fork order. The cursor names the next worker to receive
// a request; it advances modulo the current length after every dispatch and
// is re-clamped whenever a worker is removed.
//
// Thread-safe: the balancer reads and advances the cursor while the
// supervisor adds and removes workers concurrently.
type Registry struct {
	workers []WorkerHandle
	cursor  int
	mu      sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a worker. A worker with the same ID is replaced in place.
func (r *Registry) Add(w WorkerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := slices.IndexFunc(r.workers, func(h WorkerHandle) bool { return h.ID == w.ID }); i >= 0 {
		r.workers[i] = w
		return
	}
	r.workers = append(r.workers, w)
}

// Remove deletes the worker with the given ID and returns it.
func (r *Registry) Remove(id int) (WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.workers, func(h WorkerHandle) bool { return h.ID == id })
	if i < 0 {
		return WorkerHandle{}, false
	}
	removed := r.workers[i]
	r.workers = slices.Delete(r.workers, i, i+1)

	// Keep the cursor pointing at the same successor.
	if i < r.cursor {
		r.cursor--
	}
	if r.cursor >= len(r.workers) {
		r.cursor = 0
	}
	return removed, true
}

// MarkReady flags a worker as able to take requests.
// Returns false if the worker is no longer registered.
func (r *Registry) MarkReady(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.workers, func(h WorkerHandle) bool { return h.ID == id })
	if i < 0 {
		return false
	}
	r.workers[i].Ready = true
	return true
}

// Next returns the worker under the cursor and advances the cursor.
// Workers that are not ready yet are skipped. Returns ErrNoWorkers when
// the registry is empty or nothing is ready.
func (r *Registry) Next() (WorkerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.workers)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		if !r.workers[idx].Ready {
			continue
		}
		r.cursor = (idx + 1) % n
		return r.workers[idx], nil
	}
	return WorkerHandle{}, ErrNoWorkers
}

// Get returns the worker with the given ID.
func (r *Registry) Get(id int) (WorkerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.workers, func(h WorkerHandle) bool { return h.ID == id })
	if i < 0 {
		return WorkerHandle{}, false
	}
	return r.workers[i], true
}

// Len returns the number of registered workers, ready or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// ReadyLen returns the number of workers able to take requests.
func (r *Registry) ReadyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, w := range r.workers {
		if w.Ready {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the workers in registry order.
func (r *Registry) Snapshot() []WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.workers)
}
