package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/cluster"
	"github.com/dreamware/usersvc/internal/metrics"
)

var (
	// ErrAlreadyStarted is returned by Start when called twice.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrUnknownWorker is returned for ids that have no running process.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Supervisor forks the worker pool, watches for worker exits and forks
// replacements so the registry converges back to the pool size.
//
// Exit events are consumed by a single goroutine; handlers registered with
// OnWorkerExit run on that goroutine and must not block.
type Supervisor struct {
	registry *cluster.Registry
	spawner  Spawner
	policy   RestartPolicy
	probe    ProbeFunc
	log      *zap.SugaredLogger
	metrics  metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	exits  chan ExitEvent
	wg     sync.WaitGroup

	procs    map[int]Process
	handlers []func(ExitEvent)

	host         string
	basePort     int
	nextID       int
	readyTimeout time.Duration
	spawnRetry   time.Duration

	mu       sync.Mutex
	started  bool
	stopping bool
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithPolicy sets the restart policy (default AlwaysRestart)
func WithPolicy(p RestartPolicy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

// WithProbe sets the readiness probe (default DialProbe).
// A nil probe marks workers ready as soon as they are forked.
func WithProbe(p ProbeFunc) Option {
	return func(s *Supervisor) {
		s.probe = p
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(s *Supervisor) {
		s.metrics = c
	}
}

// WithHost sets the interface workers listen on (default 127.0.0.1)
func WithHost(host string) Option {
	return func(s *Supervisor) {
		s.host = host
	}
}

// WithReadyTimeout bounds how long a new worker may take to accept
// connections before it is killed and replaced
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.readyTimeout = d
	}
}

// WithSpawnRetryDelay sets the minimum wait before retrying a failed fork
func WithSpawnRetryDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.spawnRetry = d
	}
}

// New creates a supervisor. Worker n listens on basePort+n.
func New(registry *cluster.Registry, spawner Spawner, log *zap.SugaredLogger, basePort int, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		registry:     registry,
		spawner:      spawner,
		policy:       AlwaysRestart{},
		probe:        DialProbe,
		log:          log,
		metrics:      metrics.NewNoopCollector(),
		ctx:          ctx,
		cancel:       cancel,
		exits:        make(chan ExitEvent, 16),
		procs:        make(map[int]Process),
		host:         "127.0.0.1",
		basePort:     basePort,
		readyTimeout: 10 * time.Second,
		spawnRetry:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnWorkerExit registers a callback invoked for every worker exit,
// whatever the cause.
func (s *Supervisor) OnWorkerExit(handler func(ExitEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Start forks poolSize workers sequentially and returns once every fork
// has been issued. It does not wait for workers to become ready.
func (s *Supervisor) Start(poolSize int) error {
	if poolSize < 1 {
		return errors.New("pool size must be at least 1")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.log.Infow("starting worker pool", "workers", poolSize, "base_port", s.basePort)
	for i := 0; i < poolSize; i++ {
		s.spawnNext()
	}
	return nil
}

// Stop halts respawning, kills every worker and waits for the supervisor
// goroutines to finish or ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	procs := make(map[int]Process, len(s.procs))
	for id, p := range s.procs {
		procs[id] = p
	}
	s.mu.Unlock()

	s.cancel()
	for id, p := range procs {
		if err := p.Kill(); err != nil {
			s.log.Warnw("failed to kill worker", "worker", id, "pid", p.PID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for id := range procs {
		s.registry.Remove(id)
	}
	s.metrics.PoolSize(s.registry.Len())
	s.log.Infow("worker pool stopped")
	return nil
}

// loop consumes exit events until the supervisor is stopped.
func (s *Supervisor) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.exits:
			s.handleExit(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) handleExit(ev ExitEvent) {
	s.mu.Lock()
	delete(s.procs, ev.WorkerID)
	handlers := append([]func(ExitEvent){}, s.handlers...)
	stopping := s.stopping
	s.mu.Unlock()

	s.registry.Remove(ev.WorkerID)
	s.metrics.WorkerExited(ev.WorkerID, ev.Cause())
	s.metrics.PoolSize(s.registry.Len())

	s.log.Warnw("worker exited",
		"worker", ev.WorkerID, "pid", ev.PID, "port", ev.Port,
		"cause", ev.Cause(), "uptime", ev.Uptime, "error", ev.Err)

	for _, h := range handlers {
		h(ev)
	}

	if stopping {
		return
	}
	s.replace(ev)
}

// replace asks the policy for a replacement and forks it, now or later.
func (s *Supervisor) replace(ev ExitEvent) {
	delay, ok := s.policy.Next(ev)
	if !ok {
		s.log.Errorw("restart policy refused replacement, pool is degraded",
			"worker", ev.WorkerID, "pool", s.registry.Len())
		return
	}
	if ev.spawnFailed && delay < s.spawnRetry {
		delay = s.spawnRetry
	}
	s.metrics.WorkerRestartDelay(delay)

	if delay <= 0 {
		s.spawnNext()
		return
	}

	s.log.Infow("delaying worker replacement", "replaces", ev.WorkerID, "delay", delay)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			s.spawnNext()
		case <-s.ctx.Done():
		}
	}()
}

// spawnNext forks a worker under the next sequential ID.
func (s *Supervisor) spawnNext() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	spec := WorkerSpec{ID: id, Host: s.host, Port: s.basePort + id}
	proc, err := s.spawner.Spawn(s.ctx, spec)
	if err != nil {
		s.log.Errorw("failed to fork worker", "worker", id, "port", spec.Port, "error", err)
		s.metrics.WorkerSpawnFailed()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.send(ExitEvent{WorkerID: id, Port: spec.Port, Err: err, At: time.Now(), spawnFailed: true})
		}()
		return
	}

	started := time.Now()
	handle := cluster.WorkerHandle{
		ID:        id,
		PID:       proc.PID(),
		Host:      spec.Host,
		Port:      spec.Port,
		StartedAt: started,
		Ready:     s.probe == nil,
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = proc.Kill()
		return
	}
	s.procs[id] = proc
	s.mu.Unlock()

	s.registry.Add(handle)
	s.metrics.WorkerSpawned(id)
	s.metrics.PoolSize(s.registry.Len())
	s.log.Infow("worker forked", "worker", id, "pid", handle.PID, "port", handle.Port)

	s.wg.Add(1)
	go s.wait(handle, proc)

	if s.probe != nil {
		s.wg.Add(1)
		go s.awaitReady(handle, proc)
	}
}

// wait turns a process exit into an exit event.
func (s *Supervisor) wait(h cluster.WorkerHandle, proc Process) {
	defer s.wg.Done()
	err := proc.Wait()
	s.send(ExitEvent{
		WorkerID: h.ID,
		PID:      h.PID,
		Port:     h.Port,
		Err:      err,
		At:       time.Now(),
		Uptime:   time.Since(h.StartedAt),
	})
}

func (s *Supervisor) send(ev ExitEvent) {
	select {
	case s.exits <- ev:
	case <-s.ctx.Done():
	}
}

// awaitReady marks a worker ready once its port accepts connections.
// A worker that never becomes ready is killed so it gets replaced.
func (s *Supervisor) awaitReady(h cluster.WorkerHandle, proc Process) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.readyTimeout)
	defer cancel()

	if err := s.probe(ctx, h.Addr()); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Errorw("worker did not become ready, killing it", "worker", h.ID, "addr", h.Addr(), "error", err)
		_ = proc.Kill()
		return
	}
	if s.registry.MarkReady(h.ID) {
		s.log.Infow("worker ready", "worker", h.ID, "addr", h.Addr())
	}
}

// Kill terminates the worker with the given id. Its exit is handled like
// any other, so it is replaced according to the restart policy.
func (s *Supervisor) Kill(id int) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %d: %w", id, ErrUnknownWorker)
	}
	s.log.Warnw("killing worker", "worker", id, "pid", proc.PID())
	return proc.Kill()
}
