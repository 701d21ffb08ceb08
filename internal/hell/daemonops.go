package hell

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/eventstore"
	"github.com/undergrid/hell/internal/logfields"
	"github.com/undergrid/hell/internal/registry"
	"github.com/undergrid/hell/internal/supervisor"
	"github.com/undergrid/hell/internal/update"
)

// UpdateRequest describes one code update. Exactly one source is used: a git
// repository reference for a full sync, or a local archive path for a
// signature-diff patch.
type UpdateRequest struct {
	Repository  string `json:"repository,omitempty"`
	Branch      string `json:"branch,omitempty"`
	ArchivePath string `json:"-"`
}

// DaemonList returns snapshots of all daemons in registration order.
func (c *Controller) DaemonList() []*registry.Daemon { return c.reg.List() }

// DaemonGet returns a snapshot by id.
func (c *Controller) DaemonGet(id string) (*registry.Daemon, error) { return c.reg.Get(id) }

// DaemonGetByName returns a snapshot by name.
func (c *Controller) DaemonGetByName(name string) (*registry.Daemon, error) {
	return c.reg.GetByName(name)
}

// DaemonEvents returns the journal for one daemon.
func (c *Controller) DaemonEvents(ctx context.Context, id string) ([]eventstore.Event, error) {
	if _, err := c.reg.Get(id); err != nil {
		return nil, err
	}
	return c.journal.ByDaemon(ctx, id)
}

// DaemonCreate registers a new daemon in state Created.
func (c *Controller) DaemonCreate(ctx context.Context, spec registry.CreateSpec) (*registry.Daemon, error) {
	d, err := c.reg.Create(spec)
	if err != nil {
		return nil, err
	}
	c.appendEvent(ctx, &eventstore.Event{
		DaemonID: d.ID,
		Type:     eventstore.EventDaemonCreated,
		Metadata: map[string]string{"daemon": d.Name},
	})
	c.refreshStateGauge()
	slog.Info("daemon created", logfields.Daemon(d.Name), logfields.DaemonID(d.ID))
	return d, nil
}

// DaemonDelete removes a daemon that holds no process.
func (c *Controller) DaemonDelete(ctx context.Context, id string) error {
	c.cancelInFlightStart(id)

	release, err := c.reg.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	d, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if err := c.reg.Delete(id); err != nil {
		return err
	}
	c.mon.ResetStartFailures(id)
	c.appendEvent(ctx, &eventstore.Event{
		DaemonID: id,
		Type:     eventstore.EventDaemonDeleted,
		Metadata: map[string]string{"daemon": d.Name},
	})
	c.refreshStateGauge()
	slog.Info("daemon deleted", logfields.Daemon(d.Name), logfields.DaemonID(id))
	return nil
}

// DaemonStart deploys a daemon that currently holds no process. The start is
// retried under the configured policy; retry exhaustion or a permanent spawn
// failure leaves the daemon Failed with diagnostics recorded.
func (c *Controller) DaemonStart(ctx context.Context, id string) (*registry.Daemon, error) {
	return c.daemonStart(ctx, id, true)
}

func (c *Controller) daemonStart(ctx context.Context, id string, operatorInitiated bool) (*registry.Daemon, error) {
	release, err := c.reg.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := c.startLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if operatorInitiated {
		c.mon.ResetStartFailures(id)
	}
	return d, nil
}

// startLocked performs the start while the caller holds the daemon's guard.
func (c *Controller) startLocked(ctx context.Context, id string) (*registry.Daemon, error) {
	d, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	from := d.State
	if err := c.reg.CompareAndTransition(id, from, registry.StateStarting); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, d, from, registry.StateStarting, "start requested")

	startCtx, cancel := context.WithCancel(ctx)
	c.registerStartCancel(id, cancel)
	defer c.unregisterStartCancel(id, cancel)

	var handle *supervisor.Handle
	attempts := 0
	err = c.exec.Do(startCtx, "daemon-start", func(ctx context.Context) error {
		attempts++
		h, err := c.sup.Spawn(ctx, d)
		if err != nil {
			return err
		}
		if err := c.startupProbe(ctx, h); err != nil {
			_ = c.sup.Terminate(context.Background(), h, false)
			return err
		}
		handle = h
		return nil
	})

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// An explicit stop cancelled the start; land in Stopped.
			if terr := c.reg.CompareAndTransition(id, registry.StateStarting, registry.StateStopped); terr == nil {
				c.recordTransition(context.Background(), d, registry.StateStarting, registry.StateStopped, "start cancelled")
			}
			return nil, derrors.ConflictError("start cancelled by stop request").
				WithContext("daemon", d.Name).Build()
		}
		if terr := c.reg.CompareAndTransition(id, registry.StateStarting, registry.StateFailed,
			registry.WithError(err), registry.WithRetryCount(attempts)); terr == nil {
			c.recordTransition(context.Background(), d, registry.StateStarting, registry.StateFailed, "start failed")
		}
		return nil, err
	}

	if err := c.reg.CompareAndTransition(id, registry.StateStarting, registry.StateRunning,
		registry.WithHandle(handle), registry.WithRetryCount(attempts-1)); err != nil {
		// The watchdog won the race; don't leak the process.
		_ = c.sup.Terminate(context.Background(), handle, false)
		return nil, err
	}
	c.recordTransition(ctx, d, registry.StateStarting, registry.StateRunning, "")

	slog.Info("daemon started", logfields.Daemon(d.Name), logfields.PID(handle.PID()), logfields.Attempt(attempts))
	return c.reg.Get(id)
}

// startupProbe waits briefly after spawn and verifies the process survived.
func (c *Controller) startupProbe(ctx context.Context, h *supervisor.Handle) error {
	delay := c.cfg.Supervisor.StartupProbeDelay.Std()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if c.sup.HealthCheck(h) == supervisor.Exited {
		code, _ := h.ExitCode()
		return derrors.ProcessError("process exited during startup").
			WithContext("exit_code", code).Build()
	}
	return nil
}

// DaemonStop gracefully terminates a running daemon. An in-flight start is
// cancelled first so a stop always wins over a start that has not completed.
func (c *Controller) DaemonStop(ctx context.Context, id string) (*registry.Daemon, error) {
	cancelled := c.cancelInFlightStart(id)

	release, err := c.reg.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if cancelled {
		// The cancelled start already landed the daemon in Stopped or Failed.
		if d, err := c.reg.Get(id); err == nil && d.State != registry.StateRunning {
			return d, nil
		}
	}
	return c.stopLocked(ctx, id)
}

func (c *Controller) stopLocked(ctx context.Context, id string) (*registry.Daemon, error) {
	d, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if d.State != registry.StateRunning {
		return nil, derrors.ConflictError("daemon is not running").
			WithContext("daemon", d.Name).
			WithContext("state", string(d.State)).Build()
	}

	handle, _ := d.Handle.(*supervisor.Handle)
	if err := c.reg.CompareAndTransition(id, registry.StateRunning, registry.StateStopping); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, d, registry.StateRunning, registry.StateStopping, "stop requested")

	if err := c.sup.Terminate(ctx, handle, true); err != nil {
		if terr := c.reg.CompareAndTransition(id, registry.StateStopping, registry.StateFailed,
			registry.WithError(err)); terr == nil {
			c.recordTransition(ctx, d, registry.StateStopping, registry.StateFailed, "terminate failed")
		}
		return nil, err
	}

	if err := c.reg.CompareAndTransition(id, registry.StateStopping, registry.StateStopped); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, d, registry.StateStopping, registry.StateStopped, "")
	c.mon.ResetStartFailures(id)

	slog.Info("daemon stopped", logfields.Daemon(d.Name))
	return c.reg.Get(id)
}

// DaemonRestart replaces a running daemon's process under a visible Restarting
// state. Partial failure leaves the daemon Failed.
func (c *Controller) DaemonRestart(ctx context.Context, id string) (*registry.Daemon, error) {
	release, err := c.reg.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if d.State != registry.StateRunning {
		return nil, derrors.ConflictError("daemon is not running").
			WithContext("daemon", d.Name).
			WithContext("state", string(d.State)).Build()
	}

	oldHandle, _ := d.Handle.(*supervisor.Handle)
	if err := c.reg.CompareAndTransition(id, registry.StateRunning, registry.StateRestarting); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, d, registry.StateRunning, registry.StateRestarting, "restart requested")

	if err := c.sup.Terminate(ctx, oldHandle, true); err != nil {
		if terr := c.reg.CompareAndTransition(id, registry.StateRestarting, registry.StateFailed,
			registry.WithError(err)); terr == nil {
			c.recordTransition(ctx, d, registry.StateRestarting, registry.StateFailed, "terminate failed")
		}
		return nil, err
	}

	var handle *supervisor.Handle
	attempts := 0
	err = c.exec.Do(ctx, "daemon-restart", func(ctx context.Context) error {
		attempts++
		h, err := c.sup.Spawn(ctx, d)
		if err != nil {
			return err
		}
		if err := c.startupProbe(ctx, h); err != nil {
			_ = c.sup.Terminate(context.Background(), h, false)
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		if terr := c.reg.CompareAndTransition(id, registry.StateRestarting, registry.StateFailed,
			registry.WithError(err), registry.WithRetryCount(attempts)); terr == nil {
			c.recordTransition(ctx, d, registry.StateRestarting, registry.StateFailed, "restart failed")
		}
		return nil, err
	}

	if err := c.reg.CompareAndTransition(id, registry.StateRestarting, registry.StateRunning,
		registry.WithHandle(handle)); err != nil {
		_ = c.sup.Terminate(context.Background(), handle, false)
		return nil, err
	}
	c.recordTransition(ctx, d, registry.StateRestarting, registry.StateRunning, "")
	c.mon.ResetStartFailures(id)

	slog.Info("daemon restarted", logfields.Daemon(d.Name), logfields.PID(handle.PID()))
	return c.reg.Get(id)
}

// DaemonUpdate applies a code update. A running daemon is stopped first and
// started again after a successful update; update failure on a previously
// running daemon leaves it Failed.
func (c *Controller) DaemonUpdate(ctx context.Context, id string, req UpdateRequest) (*update.Job, error) {
	c.cancelInFlightStart(id)

	release, err := c.reg.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	switch d.State {
	case registry.StateStarting, registry.StateStopping, registry.StateRestarting:
		return nil, derrors.ConflictError("daemon is busy").
			WithContext("daemon", d.Name).
			WithContext("state", string(d.State)).Build()
	}

	wasRunning := d.State == registry.StateRunning
	if wasRunning {
		if _, err := c.stopLocked(ctx, id); err != nil {
			return nil, err
		}
	}

	job, err := c.applyUpdate(ctx, id, req)
	if err != nil {
		c.journalUpdateOutcome(ctx, id, d.Name, req, nil, err)
		if wasRunning {
			c.markUpdateFailure(ctx, id, err)
		}
		return nil, err
	}

	if err := c.reg.SetSignatures(id, job.Signatures); err != nil {
		return nil, err
	}
	c.journalUpdateOutcome(ctx, id, d.Name, req, job, nil)

	if wasRunning {
		if _, err := c.startLocked(ctx, id); err != nil {
			return job, err
		}
	}
	return job, nil
}

func (c *Controller) applyUpdate(ctx context.Context, id string, req UpdateRequest) (*update.Job, error) {
	d, err := c.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if req.ArchivePath != "" {
		sigs, err := c.reg.Signatures(id)
		if err != nil {
			return nil, err
		}
		return c.upd.ApplyArchive(ctx, d, req.ArchivePath, sigs)
	}
	return c.upd.FullSync(ctx, d, req.Repository, req.Branch)
}

func (c *Controller) journalUpdateOutcome(ctx context.Context, id, name string, req UpdateRequest, job *update.Job, updateErr error) {
	outcome := eventstore.UpdateOutcome{}
	eventType := eventstore.EventUpdateApplied
	if job != nil {
		outcome.JobID = job.ID
		outcome.Source = string(job.Source)
		outcome.Written = job.Written
		outcome.Skipped = job.Skipped
	}
	if updateErr != nil {
		eventType = eventstore.EventUpdateFailed
		outcome.Error = updateErr.Error()
		if req.ArchivePath != "" {
			outcome.Source = string(update.SourceArchive)
		} else {
			outcome.Source = string(update.SourceGit)
		}
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		payload = nil
	}
	c.appendEvent(ctx, &eventstore.Event{
		DaemonID: id,
		Type:     eventType,
		Payload:  payload,
		Metadata: map[string]string{"daemon": name},
	})
}

// markUpdateFailure lands a daemon that was stopped for an update in Failed so
// its status reflects that it is not serving its previous code.
func (c *Controller) markUpdateFailure(ctx context.Context, id string, cause error) {
	d, err := c.reg.Get(id)
	if err != nil || d.State != registry.StateStopped {
		return
	}
	if err := c.reg.CompareAndTransition(id, registry.StateStopped, registry.StateStarting); err != nil {
		return
	}
	if err := c.reg.CompareAndTransition(id, registry.StateStarting, registry.StateFailed,
		registry.WithError(cause)); err != nil {
		return
	}
	c.recordTransition(ctx, d, registry.StateStopped, registry.StateFailed, "update failed")
}

func (c *Controller) registerStartCancel(id string, cancel context.CancelFunc) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.startCancels[id] = cancel
}

func (c *Controller) unregisterStartCancel(id string, cancel context.CancelFunc) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	delete(c.startCancels, id)
	cancel()
}

func (c *Controller) cancelInFlightStart(id string) bool {
	c.startMu.Lock()
	cancel := c.startCancels[id]
	c.startMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}
