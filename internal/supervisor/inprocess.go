package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWorkerKilled is what an in-process worker's Wait returns after Kill.
var ErrWorkerKilled = errors.New("worker killed")

// InProcessSpawner runs each worker as an HTTP server inside the current
// process. Workers still get their own listener and whatever state the
// handler carries, so it behaves like ExecSpawner without forking.
// PIDs are synthetic.
type InProcessSpawner struct {
	// NewHandler builds the handler for one worker.
	NewHandler func(spec WorkerSpec) http.Handler

	pid atomic.Int64
}

// Spawn binds the worker's port and starts serving.
func (s *InProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start worker %d: %w", spec.ID, err)
	}

	p := &inProcess{
		pid: int(s.pid.Add(1)),
		srv: &http.Server{
			Handler:           s.NewHandler(spec),
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}

	go func() {
		err := p.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = ErrWorkerKilled
		}
		p.err = err
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

type inProcess struct {
	srv  *http.Server
	done chan struct{}
	err  error
	pid  int
	once sync.Once
}

func (p *inProcess) PID() int { return p.pid }

func (p *inProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill drops the listener and every open connection.
func (p *inProcess) Kill() error {
	var err error
	p.once.Do(func() {
		err = p.srv.Close()
	})
	return err
}
