package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/undergrid/hell/internal/config"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/registry"
)

// MonitorHooks are callbacks the monitor fires on observations. The controller
// wires these so policy (events, metrics, auto-restart) stays out of the
// supervision mechanics.
type MonitorHooks struct {
	// OnUnexpectedExit is called after the monitor has transitioned a daemon
	// from Running to Failed. restartWanted reports whether the auto-restart
	// budget still allows a restart attempt.
	OnUnexpectedExit func(d *registry.Daemon, exitCode int, restartWanted bool)
	// OnWatchdogExpired is called after a daemon stuck in Starting beyond the
	// ceiling was forced to Failed.
	OnWatchdogExpired func(d *registry.Daemon)
}

// Monitor periodically health-checks all running daemons and enforces the
// watchdog ceiling for daemons stuck in Starting. It is the only path by
// which a daemon leaves Running without an explicit API call.
type Monitor struct {
	cfg       config.SupervisorConfig
	sup       *Supervisor
	reg       *registry.Registry
	hooks     MonitorHooks
	scheduler gocron.Scheduler

	mu            sync.Mutex
	startingSince map[string]time.Time
	failedStarts  map[string]int
}

// NewMonitor creates a monitor. Call Start to begin sweeping.
func NewMonitor(cfg config.SupervisorConfig, sup *Supervisor, reg *registry.Registry, hooks MonitorHooks) (*Monitor, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Monitor{
		cfg:           cfg,
		sup:           sup,
		reg:           reg,
		hooks:         hooks,
		scheduler:     scheduler,
		startingSince: make(map[string]time.Time),
		failedStarts:  make(map[string]int),
	}, nil
}

// Start schedules the periodic sweep.
func (m *Monitor) Start() error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(m.cfg.MonitorInterval.Std()),
		gocron.NewTask(m.Sweep),
		gocron.WithName("daemon-monitor"),
	)
	if err != nil {
		return fmt.Errorf("schedule monitor job: %w", err)
	}
	m.scheduler.Start()
	slog.Info("process monitor started", slog.Duration("interval", m.cfg.MonitorInterval.Std()))
	return nil
}

// Stop shuts the scheduler down and forgets tracked state. A fresh scheduler
// is prepared so a later Start works; gocron schedulers cannot restart after
// shutdown.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	m.startingSince = make(map[string]time.Time)
	m.failedStarts = make(map[string]int)
	m.mu.Unlock()

	err := m.scheduler.Shutdown()
	if fresh, nerr := gocron.NewScheduler(); nerr == nil {
		m.scheduler = fresh
	}
	return err
}

// NoteStartFailure increments the consecutive failed-start counter for a
// daemon. The controller calls this when a start operation fails outright.
func (m *Monitor) NoteStartFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedStarts[id]++
}

// ResetStartFailures clears the counter after a healthy observation or an
// operator-initiated start.
func (m *Monitor) ResetStartFailures(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failedStarts, id)
}

// Sweep performs one monitor pass. Exposed for tests and for a forced sweep
// during system shutdown.
func (m *Monitor) Sweep() {
	now := time.Now()
	for _, d := range m.reg.List() {
		switch d.State {
		case registry.StateRunning:
			m.checkRunning(d)
		case registry.StateStarting:
			m.checkStarting(d, now)
		default:
			m.mu.Lock()
			delete(m.startingSince, d.ID)
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) checkRunning(d *registry.Daemon) {
	m.mu.Lock()
	delete(m.startingSince, d.ID)
	m.mu.Unlock()

	handle, ok := d.Handle.(*Handle)
	if !ok || handle == nil {
		return
	}
	health := m.sup.HealthCheck(handle)
	if health != Exited {
		if health == Healthy {
			m.ResetStartFailures(d.ID)
		}
		return
	}

	exitCode, _ := handle.ExitCode()
	err := m.reg.CompareAndTransition(d.ID, registry.StateRunning, registry.StateFailed,
		registry.WithExitCode(exitCode),
		registry.WithError(fmt.Errorf("process exited unexpectedly with code %d", exitCode)))
	if err != nil {
		// An explicit stop/restart won the race; nothing to report.
		slog.Debug("unexpected-exit transition skipped", logfields.Daemon(d.Name), logfields.Error(err))
		return
	}

	slog.Warn("daemon exited unexpectedly",
		logfields.Daemon(d.Name), logfields.PID(d.PID()), logfields.ExitCode(exitCode))

	restartWanted := false
	if d.AutoRestart {
		m.mu.Lock()
		m.failedStarts[d.ID]++
		restartWanted = m.failedStarts[d.ID] <= m.cfg.MaxFailedStarts
		attempts := m.failedStarts[d.ID]
		m.mu.Unlock()
		if !restartWanted {
			slog.Error("auto-restart budget exhausted",
				logfields.Daemon(d.Name), logfields.Attempt(attempts))
		}
	}

	if m.hooks.OnUnexpectedExit != nil {
		m.hooks.OnUnexpectedExit(d, exitCode, restartWanted)
	}
}

func (m *Monitor) checkStarting(d *registry.Daemon, now time.Time) {
	m.mu.Lock()
	since, seen := m.startingSince[d.ID]
	if !seen {
		m.startingSince[d.ID] = now
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if now.Sub(since) < m.cfg.WatchdogCeiling.Std() {
		return
	}

	err := m.reg.CompareAndTransition(d.ID, registry.StateStarting, registry.StateFailed,
		registry.WithError(fmt.Errorf("no startup progress within %s", m.cfg.WatchdogCeiling.Std())))
	if err != nil {
		return
	}

	m.mu.Lock()
	delete(m.startingSince, d.ID)
	m.mu.Unlock()

	slog.Error("watchdog forced daemon to failed", logfields.Daemon(d.Name))
	if m.hooks.OnWatchdogExpired != nil {
		m.hooks.OnWatchdogExpired(d)
	}
}
