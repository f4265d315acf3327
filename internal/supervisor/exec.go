package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// ExecSpawner launches workers by re-executing a binary, normally the
// running one, with a worker subcommand.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer

	// Path is the executable to run.
	Path string

	// Args precede the per-worker flags, e.g. []string{"worker"}.
	Args []string

	// Env is appended to the parent environment.
	Env []string
}

// NewExecSpawner returns a spawner that re-executes the current binary
// with args followed by --index, --port and --host.
func NewExecSpawner(args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{
		Path:   path,
		Args:   args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Spawn starts one worker process.
func (s *ExecSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	args := append([]string{}, s.Args...)
	args = append(args,
		"--index", strconv.Itoa(spec.ID),
		"--port", strconv.Itoa(spec.Port),
		"--host", spec.Host,
	)

	cmd := exec.CommandContext(ctx, s.Path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("WORKER_INDEX=%d", spec.ID),
		fmt.Sprintf("WORKER_PORT=%d", spec.Port),
	)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", spec.ID, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// execProcess adapts exec.Cmd to Process
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// DialProbe polls addr with TCP connects until one succeeds or ctx ends.
func DialProbe(ctx context.Context, addr string) error {
	const interval = 50 * time.Millisecond

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker at %s not ready: %w", addr, ctx.Err())
		case <-time.After(interval):
		}
	}
}
