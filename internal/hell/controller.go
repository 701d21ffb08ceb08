// Package hell implements the orchestration engine's control plane: a
// process-scoped singleton controller that owns the daemon registry, the
// process supervisor and its monitor, the update manager, and the lifecycle
// event journal. All daemon and system operations enter through this package.
package hell

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/undergrid/hell/internal/config"
	"github.com/undergrid/hell/internal/events"
	"github.com/undergrid/hell/internal/eventstore"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/metrics"
	"github.com/undergrid/hell/internal/registry"
	"github.com/undergrid/hell/internal/retry"
	"github.com/undergrid/hell/internal/supervisor"
	"github.com/undergrid/hell/internal/update"
)

// Controller is the engine control plane. Construct one per process via
// Instance; tests build isolated instances with New.
type Controller struct {
	cfg     *config.Config
	reg     *registry.Registry
	sup     *supervisor.Supervisor
	mon     *supervisor.Monitor
	upd     *update.Manager
	journal eventstore.Store
	pub     events.Publisher
	rec     metrics.Recorder
	exec    *retry.Executor

	sysMu     sync.Mutex
	sysState  SystemState
	startedAt time.Time

	// startCancels lets an explicit stop cancel an in-flight start's retry
	// loop before queueing on the daemon's operation guard.
	startMu      sync.Mutex
	startCancels map[string]context.CancelFunc
}

// Option customizes controller construction.
type Option func(*Controller)

// WithEventStore injects the lifecycle journal (tests use :memory:).
func WithEventStore(store eventstore.Store) Option {
	return func(c *Controller) { c.journal = store }
}

// WithPublisher injects the external event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(c *Controller) { c.pub = pub }
}

// WithRecorder injects the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(c *Controller) { c.rec = rec }
}

// New builds a controller from configuration. The system starts in Stopped;
// call SystemStart to load and deploy the configured daemons.
func New(cfg *config.Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		cfg:          cfg,
		reg:          registry.New(),
		sup:          supervisor.New(cfg.Supervisor),
		pub:          events.NoopPublisher{},
		rec:          metrics.NoopRecorder{},
		sysState:     SystemStopped,
		startCancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.journal == nil {
		store, err := eventstore.NewSQLiteStore(cfg.Store.EventsDB)
		if err != nil {
			return nil, err
		}
		c.journal = store
	}

	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay.Std(),
		cfg.Retry.Multiplier, cfg.Retry.MaxDelay.Std(), cfg.Retry.Jitter)
	c.exec = retry.NewExecutor(policy, retryRecorder{c.rec})
	c.upd = update.NewManager(cfg.Update, c.exec, updateRecorder{c.rec})

	mon, err := supervisor.NewMonitor(cfg.Supervisor, c.sup, c.reg, supervisor.MonitorHooks{
		OnUnexpectedExit:  c.onUnexpectedExit,
		OnWatchdogExpired: c.onWatchdogExpired,
	})
	if err != nil {
		return nil, err
	}
	c.mon = mon
	return c, nil
}

// retryRecorder and updateRecorder adapt the metrics recorder to the narrow
// interfaces the retry and update packages accept.
type retryRecorder struct{ rec metrics.Recorder }

func (r retryRecorder) IncRetry(op string)          { r.rec.IncRetry(op) }
func (r retryRecorder) IncRetryExhausted(op string) { r.rec.IncRetryExhausted(op) }

type updateRecorder struct{ rec metrics.Recorder }

func (r updateRecorder) ObserveUpdate(source string, d time.Duration, failed bool) {
	r.rec.ObserveUpdate(source, d, failed)
}

var (
	instanceMu sync.Mutex
	instance   *Controller
	instanceCh chan struct{}
	initErr    error
)

// Instance returns the process-wide controller, constructing it on first use.
// Concurrent first callers share a single in-flight initialization; a failed
// initialization is retried by the next caller.
func Instance(ctx context.Context, cfg *config.Config, opts ...Option) (*Controller, error) {
	instanceMu.Lock()
	if instance != nil {
		defer instanceMu.Unlock()
		return instance, nil
	}
	if instanceCh != nil {
		ch := instanceCh
		instanceMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		instanceMu.Lock()
		defer instanceMu.Unlock()
		return instance, initErr
	}

	ch := make(chan struct{})
	instanceCh = ch
	instanceMu.Unlock()

	ctrl, err := New(cfg, opts...)

	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance, initErr = ctrl, err
	instanceCh = nil
	close(ch)
	return instance, initErr
}

// ResetInstance discards the singleton. Tests only.
func ResetInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
	instanceCh = nil
	initErr = nil
}

// SystemStart brings the engine to Running: configured daemons are registered,
// autostart daemons are deployed, and the monitor begins sweeping.
func (c *Controller) SystemStart(ctx context.Context) error {
	if err := c.transitionSystem(SystemStarting); err != nil {
		return err
	}

	if err := c.loadConfiguredDaemons(); err != nil {
		c.forceSystemError()
		return err
	}
	if err := c.mon.Start(); err != nil {
		c.forceSystemError()
		return err
	}

	c.autostartDaemons(ctx)

	if err := c.transitionSystem(SystemRunning); err != nil {
		return err
	}
	c.sysMu.Lock()
	c.startedAt = time.Now()
	c.sysMu.Unlock()

	c.appendEvent(ctx, &eventstore.Event{Type: eventstore.EventSystemStarted})
	slog.Info("hell system running", slog.Int("daemons", len(c.reg.List())))
	return nil
}

// SystemStop terminates all running daemons and halts the monitor.
func (c *Controller) SystemStop(ctx context.Context) error {
	if err := c.transitionSystem(SystemStopping); err != nil {
		return err
	}
	c.stopAllDaemons(ctx)
	if err := c.mon.Stop(); err != nil {
		slog.Warn("monitor shutdown failed", logfields.Error(err))
	}
	if err := c.transitionSystem(SystemStopped); err != nil {
		return err
	}
	c.appendEvent(ctx, &eventstore.Event{Type: eventstore.EventSystemStopped})
	slog.Info("hell system stopped")
	return nil
}

// SystemRestart stops and starts the fleet under a visible Restarting state.
func (c *Controller) SystemRestart(ctx context.Context) error {
	if err := c.transitionSystem(SystemRestarting); err != nil {
		return err
	}
	c.stopAllDaemons(ctx)
	if err := c.loadConfiguredDaemons(); err != nil {
		c.forceSystemError()
		return err
	}
	c.autostartDaemons(ctx)
	if err := c.transitionSystem(SystemRunning); err != nil {
		return err
	}
	c.appendEvent(ctx, &eventstore.Event{Type: eventstore.EventSystemStarted})
	slog.Info("hell system restarted")
	return nil
}

// SystemStatus is the engine status snapshot served by the API.
type SystemStatus struct {
	State   SystemState        `json:"state"`
	Uptime  time.Duration      `json:"uptime"`
	Daemons []*registry.Daemon `json:"daemons"`
}

// Status returns the system state, uptime, and daemon snapshots.
func (c *Controller) Status() SystemStatus {
	c.sysMu.Lock()
	state := c.sysState
	started := c.startedAt
	c.sysMu.Unlock()

	var uptime time.Duration
	if state == SystemRunning && !started.IsZero() {
		uptime = time.Since(started)
	}
	return SystemStatus{State: state, Uptime: uptime, Daemons: c.reg.List()}
}

// Close releases the controller's resources without touching daemon processes.
func (c *Controller) Close() error {
	if err := c.mon.Stop(); err != nil {
		slog.Warn("monitor shutdown failed", logfields.Error(err))
	}
	if err := c.pub.Close(); err != nil {
		slog.Warn("publisher close failed", logfields.Error(err))
	}
	return c.journal.Close()
}

// daemonSpecs snapshots the configured daemons map. ReloadDaemons replaces the
// map under sysMu, so readers must not touch c.cfg.Daemons directly.
func (c *Controller) daemonSpecs() map[string]config.DaemonSpec {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()
	specs := make(map[string]config.DaemonSpec, len(c.cfg.Daemons))
	for name, spec := range c.cfg.Daemons {
		specs[name] = spec
	}
	return specs
}

// loadConfiguredDaemons registers daemons declared in the config file that are
// not yet in the registry. Existing daemons keep their runtime state.
func (c *Controller) loadConfiguredDaemons() error {
	for name, spec := range c.daemonSpecs() {
		if _, err := c.reg.GetByName(name); err == nil {
			continue
		}
		d, err := c.reg.Create(registry.CreateSpec{
			Name:             name,
			WorkingDirectory: spec.Dir,
			Command:          spec.Command,
			Args:             spec.Args,
			Config:           spec.Env,
			AutoRestart:      spec.AutoRestart,
		})
		if err != nil {
			return err
		}
		slog.Info("daemon registered from config", logfields.Daemon(name), logfields.DaemonID(d.ID))
	}
	return nil
}

// ReloadDaemons applies a changed daemons section from the config file. New
// entries are registered; entries that disappeared are left untouched so a
// config edit never kills a running process. Removal stays an explicit API
// operation.
func (c *Controller) ReloadDaemons(ctx context.Context, daemons map[string]config.DaemonSpec) error {
	c.sysMu.Lock()
	c.cfg.Daemons = daemons
	running := c.sysState == SystemRunning
	c.sysMu.Unlock()

	if err := c.loadConfiguredDaemons(); err != nil {
		return err
	}
	if running {
		c.autostartDaemons(ctx)
	}
	return nil
}

func (c *Controller) autostartDaemons(ctx context.Context) {
	for name, spec := range c.daemonSpecs() {
		if !spec.Autostart {
			continue
		}
		d, err := c.reg.GetByName(name)
		if err != nil {
			continue
		}
		switch d.State {
		case registry.StateRunning, registry.StateStarting, registry.StateRestarting:
			continue
		}
		if _, err := c.DaemonStart(ctx, d.ID); err != nil {
			slog.Error("autostart failed", logfields.Daemon(name), logfields.Error(err))
		}
	}
}

func (c *Controller) stopAllDaemons(ctx context.Context) {
	for _, d := range c.reg.List() {
		switch d.State {
		case registry.StateRunning, registry.StateStarting:
		default:
			continue
		}
		// DaemonStop cancels an in-flight start before queueing on the guard,
		// so a daemon mid-Starting cannot finish deploying after shutdown.
		if _, err := c.DaemonStop(ctx, d.ID); err != nil {
			slog.Error("stop during shutdown failed", logfields.Daemon(d.Name), logfields.Error(err))
		}
	}
}

// appendEvent journals, publishes, and refreshes metrics; never fails callers.
func (c *Controller) appendEvent(ctx context.Context, event *eventstore.Event) {
	if err := c.journal.Append(ctx, event); err != nil {
		slog.Error("event journal append failed", logfields.Error(err))
	}
	if err := c.pub.Publish(event); err != nil {
		slog.Warn("event publish failed", logfields.Error(err))
	}
}

// recordTransition journals one daemon state change and updates metrics.
func (c *Controller) recordTransition(ctx context.Context, d *registry.Daemon, from, to registry.State, reason string) {
	payload, err := json.Marshal(eventstore.StateChange{From: string(from), To: string(to), Reason: reason})
	if err != nil {
		payload = nil
	}
	c.appendEvent(ctx, &eventstore.Event{
		DaemonID: d.ID,
		Type:     eventstore.EventStateChanged,
		Payload:  payload,
		Metadata: map[string]string{"daemon": d.Name},
	})
	c.rec.IncTransition(string(from), string(to))
	c.refreshStateGauge()
}

func (c *Controller) refreshStateGauge() {
	counts := map[registry.State]int{}
	for _, d := range c.reg.List() {
		counts[d.State]++
	}
	for _, state := range []registry.State{
		registry.StateCreated, registry.StateStarting, registry.StateRunning,
		registry.StateStopping, registry.StateStopped, registry.StateRestarting,
		registry.StateFailed,
	} {
		c.rec.SetStateCount(string(state), counts[state])
	}
}

// onUnexpectedExit is the monitor hook for Running daemons that died.
func (c *Controller) onUnexpectedExit(d *registry.Daemon, exitCode int, restartWanted bool) {
	ctx := context.Background()
	c.recordTransition(ctx, d, registry.StateRunning, registry.StateFailed, "unexpected exit")
	if !restartWanted {
		return
	}
	c.appendEvent(ctx, &eventstore.Event{
		DaemonID: d.ID,
		Type:     eventstore.EventAutoRestart,
		Metadata: map[string]string{"daemon": d.Name},
	})
	go func() {
		if _, err := c.daemonStart(ctx, d.ID, false); err != nil {
			slog.Error("auto-restart failed", logfields.Daemon(d.Name), logfields.Error(err))
			c.mon.NoteStartFailure(d.ID)
		}
	}()
}

// onWatchdogExpired is the monitor hook for daemons stuck in Starting.
func (c *Controller) onWatchdogExpired(d *registry.Daemon) {
	ctx := context.Background()
	c.appendEvent(ctx, &eventstore.Event{
		DaemonID: d.ID,
		Type:     eventstore.EventWatchdog,
		Metadata: map[string]string{"daemon": d.Name},
	})
	c.recordTransition(ctx, d, registry.StateStarting, registry.StateFailed, "watchdog ceiling exceeded")
}
