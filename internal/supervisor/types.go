package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// WorkerSpec tells a Spawner what to launch.
type WorkerSpec struct {
	Host string
	ID   int
	Port int
}

// Process is a running worker as seen by the supervisor.
type Process interface {
	// PID returns the OS process id
	PID() int

	// Wait blocks until the process exits
	Wait() error

	// Kill terminates the process
	Kill() error
}

// Spawner launches worker processes.
type Spawner interface {
	// Spawn starts a worker for spec and returns without waiting for it
	// to become ready. The process must be killed when ctx is canceled.
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ProbeFunc blocks until the worker at addr can take requests or ctx ends.
type ProbeFunc func(ctx context.Context, addr string) error

// Exit causes reported in ExitEvent.Cause
const (
	CauseClean      = "clean"
	CauseError      = "error"
	CauseSignal     = "signal"
	CauseSpawnError = "spawn_error"
)

// ExitEvent describes a terminated worker.
type ExitEvent struct {
	// At is when the exit was observed.
	At time.Time

	// Err is what Wait returned, nil for a clean exit.
	Err error

	// Uptime is how long the worker ran.
	Uptime time.Duration

	WorkerID int
	PID      int
	Port     int

	// spawnFailed marks synthetic events for forks that never started.
	spawnFailed bool
}

// Cause classifies the exit for logs and metrics.
func (e ExitEvent) Cause() string {
	if e.spawnFailed {
		return CauseSpawnError
	}
	if e.Err == nil {
		return CauseClean
	}
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) && exitErr.ExitCode() == -1 {
		return CauseSignal
	}
	return CauseError
}
