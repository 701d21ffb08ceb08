// Package supervisor spawns, signals, health-checks, and reaps the OS
// processes behind managed daemons. It translates process-level events into
// registry state transitions but never decides lifecycle policy; that belongs
// to the controller.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/registry"
)

// Health is the result of a liveness probe.
type Health int

const (
	Healthy Health = iota
	Unresponsive
	Exited
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unresponsive:
		return "unresponsive"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Handle is the supervisor's opaque reference to a spawned process. It
// implements registry.ProcessHandle.
type Handle struct {
	pid  int
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	exited   bool
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// ExitCode returns the recorded exit code and whether the process has exited.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// Done returns a channel closed when the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Supervisor owns process lifecycle mechanics for all daemons.
type Supervisor struct {
	cfg config.SupervisorConfig
}

// New creates a supervisor with the given configuration.
func New(cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// GracePeriod returns the configured terminate grace period.
func (s *Supervisor) GracePeriod() time.Duration { return s.cfg.GracePeriod.Std() }

// Spawn launches the daemon's command in its working directory with its
// config rendered into the environment. A reaper goroutine records the exit
// status as soon as the process dies so health checks never block on Wait.
func (s *Supervisor) Spawn(ctx context.Context, d *registry.Daemon) (*Handle, error) {
	command := d.Command
	if !filepath.IsAbs(command) && d.WorkingDirectory != "" {
		// Relative commands resolve against the daemon's directory, not the
		// engine's cwd.
		if _, err := os.Stat(filepath.Join(d.WorkingDirectory, command)); err == nil {
			command = filepath.Join(d.WorkingDirectory, command)
		}
	}

	cmd := exec.Command(command, d.Args...) // #nosec G204 - command comes from operator config
	cmd.Dir = d.WorkingDirectory
	cmd.Env = renderEnv(d.Config)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so graceful termination signals the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return nil, derrors.WrapError(err, derrors.CategoryConfig, "daemon command cannot be executed").
				WithContext("daemon", d.Name).
				WithContext("command", command).Build()
		}
		return nil, derrors.WrapError(err, derrors.CategoryProcess, "spawn failed").
			Retryable().
			WithContext("daemon", d.Name).Build()
	}

	h := &Handle{pid: cmd.Process.Pid, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.exitCode = exitCodeOf(cmd, err)
		h.mu.Unlock()
		close(h.done)
	}()

	slog.Info("daemon process spawned", logfields.Daemon(d.Name), logfields.PID(h.pid))
	return h, nil
}

// HealthCheck probes a process without blocking. Exited processes report
// their exit code through the handle.
func (s *Supervisor) HealthCheck(h *Handle) Health {
	if h == nil {
		return Exited
	}
	if _, exited := h.ExitCode(); exited {
		return Exited
	}
	// Signal 0 probes existence and permission without delivering a signal.
	if err := syscall.Kill(h.pid, 0); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return Exited
		}
		return Unresponsive
	}
	return Healthy
}

// Wait blocks until the process exits or ctx is cancelled, returning the exit code.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (int, error) {
	select {
	case <-h.done:
		code, _ := h.ExitCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Terminate stops the process. Graceful termination sends SIGTERM to the
// process group and escalates to SIGKILL after the grace period; forced
// termination kills immediately. Failure to reap within the grace period
// after SIGKILL is a timeout error.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle, graceful bool) error {
	if h == nil {
		return nil
	}
	if _, exited := h.ExitCode(); exited {
		return nil
	}

	grace := s.cfg.GracePeriod.Std()
	if graceful {
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			slog.Warn("SIGTERM delivery failed, escalating", logfields.PID(h.pid), logfields.Error(err))
		}
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(grace):
			slog.Warn("grace period expired, sending SIGKILL", logfields.PID(h.pid))
		}
	}

	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return derrors.WrapError(err, derrors.CategoryProcess, "kill failed").
			Retryable().
			WithContext("pid", h.pid).Build()
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
		return derrors.TimeoutError("process did not exit after SIGKILL").
			WithContext("pid", h.pid).Build()
	}
}

// renderEnv merges the daemon config over the engine environment.
func renderEnv(cfg map[string]string) []string {
	env := os.Environ()
	for k, v := range cfg {
		env = append(env, k+"="+v)
	}
	return env
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
