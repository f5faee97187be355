package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// Spec describes the command to launch for a task.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// String returns the command line for logging.
func (s Spec) String() string {
	out := s.Command
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// Process is a running child process owned by exactly one task.
// Stdout and Stderr must be drained before Wait is called.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	WriteInput(p []byte) error
	CloseInput() error
	// Wait blocks until the process exits and returns its exit code.
	// A process killed by a signal reports -1.
	Wait() (int, error)
	// Terminate sends SIGTERM to the process group and SIGKILL once grace
	// has elapsed without an exit. It blocks until one of the two happens.
	Terminate(grace time.Duration)
}

// Spawner launches processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner launches real OS processes via os/exec.
type ExecSpawner struct {
	WorkDir string
	Env     map[string]string
}

// Spawn starts spec in its own process group. The process is not bound to
// ctx: it outlives the request that started it until terminated or exited.
func (e *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec // command comes from trusted script config

	cmd.Dir = e.WorkDir
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}

	cmd.Env = os.Environ()
	for k, v := range e.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	slog.Info("process started",
		"command", spec.String(),
		"pid", cmd.Process.Pid)

	return &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	closeOnce sync.Once
	closeErr  error
	exited    chan struct{}
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) WriteInput(b []byte) error {
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("writing stdin: %w", err)
	}
	return nil
}

func (p *execProcess) CloseInput() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.stdin.Close()
	})
	return p.closeErr
}

func (p *execProcess) Wait() (int, error) {
	defer close(p.exited)

	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := errors.AsType[*exec.ExitError](err); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("waiting for process: %w", err)
}

func (p *execProcess) Terminate(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	pid := p.cmd.Process.Pid
	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
		slog.Debug("sigterm failed", "pid", pid, "error", err)
	}

	select {
	case <-p.exited:
	case <-time.After(grace):
		slog.Warn("process ignored SIGTERM, killing", "pid", pid, "grace", grace)
		if err := signalGroup(p.cmd, syscall.SIGKILL); err != nil {
			slog.Debug("sigkill failed", "pid", pid, "error", err)
		}
	}
}
