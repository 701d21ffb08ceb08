package hell

import (
	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// SystemState is the lifecycle state of the engine itself, distinct from the
// per-daemon state machine.
type SystemState string

const (
	SystemStopped    SystemState = "stopped"
	SystemStarting   SystemState = "starting"
	SystemRunning    SystemState = "running"
	SystemStopping   SystemState = "stopping"
	SystemRestarting SystemState = "restarting"
	SystemError      SystemState = "error"
)

var systemTransitions = map[SystemState][]SystemState{
	SystemStopped:    {SystemStarting},
	SystemStarting:   {SystemRunning, SystemError},
	SystemRunning:    {SystemStopping, SystemRestarting, SystemError},
	SystemStopping:   {SystemStopped, SystemError},
	SystemRestarting: {SystemRunning, SystemError},
	SystemError:      {SystemStopped},
}

func systemTransitionAllowed(from, to SystemState) bool {
	for _, next := range systemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionSystem moves the system state machine, holding the system lock.
func (c *Controller) transitionSystem(to SystemState) error {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()
	if !systemTransitionAllowed(c.sysState, to) {
		return derrors.ConflictError("system transition not allowed").
			WithContext("from", string(c.sysState)).
			WithContext("to", string(to)).Build()
	}
	c.sysState = to
	return nil
}

// forceSystemError records a catastrophic failure; only Reset leaves it.
func (c *Controller) forceSystemError() {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()
	c.sysState = SystemError
}

// SystemStateNow returns the current system state.
func (c *Controller) SystemStateNow() SystemState {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()
	return c.sysState
}

// Reset acknowledges an Error state and returns the system to Stopped.
func (c *Controller) Reset() error {
	return c.transitionSystem(SystemStopped)
}
