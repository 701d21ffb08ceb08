// Package registry holds the authoritative in-memory table of managed daemons
// and enforces the daemon lifecycle state machine. The registry is the single
// shared mutable structure of the orchestration engine; all state mutation
// funnels through CompareAndTransition and all lifecycle operations on one
// daemon id serialize through its guard.
package registry

import (
	"time"
)

// State is the lifecycle state of a managed daemon.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

// HasProcess reports whether a daemon in this state must hold a process handle.
func (s State) HasProcess() bool {
	switch s {
	case StateRunning, StateStopping, StateRestarting:
		return true
	default:
		return false
	}
}

// allowedTransitions is the daemon state machine. CompareAndTransition rejects
// anything not listed here.
var allowedTransitions = map[State][]State{
	StateCreated:    {StateStarting},
	StateStarting:   {StateRunning, StateStopped, StateFailed},
	StateRunning:    {StateStopping, StateRestarting, StateFailed},
	StateStopping:   {StateStopped, StateFailed},
	StateStopped:    {StateStarting},
	StateRestarting: {StateRunning, StateFailed},
	StateFailed:     {StateStarting},
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessHandle is an opaque reference to a spawned OS process. The supervisor
// owns its validity; the registry only stores it while the daemon state
// requires one.
type ProcessHandle interface {
	PID() int
}

// Daemon is one managed worker. Values returned by the registry are snapshots;
// mutation happens only inside the registry under its lock.
type Daemon struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	WorkingDirectory string            `json:"working_directory"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	State            State             `json:"state"`
	Config           map[string]string `json:"config,omitempty"`
	ConfigVersion    int               `json:"config_version"`
	FileSignatures   map[string]string `json:"-"`
	AutoRestart      bool              `json:"auto_restart"`
	LastError        string            `json:"last_error,omitempty"`
	RetryCount       int               `json:"retry_count"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`

	// Handle is non-nil iff State.HasProcess().
	Handle ProcessHandle `json:"-"`
}

// PID returns the daemon's process id or -1 when no process is attached.
func (d *Daemon) PID() int {
	if d.Handle == nil {
		return -1
	}
	return d.Handle.PID()
}

// clone returns a deep-enough copy safe to hand to callers.
func (d *Daemon) clone() *Daemon {
	c := *d
	if d.Config != nil {
		c.Config = make(map[string]string, len(d.Config))
		for k, v := range d.Config {
			c.Config[k] = v
		}
	}
	if d.FileSignatures != nil {
		c.FileSignatures = make(map[string]string, len(d.FileSignatures))
		for k, v := range d.FileSignatures {
			c.FileSignatures[k] = v
		}
	}
	if d.Args != nil {
		c.Args = append([]string(nil), d.Args...)
	}
	if d.ExitCode != nil {
		code := *d.ExitCode
		c.ExitCode = &code
	}
	if d.StartedAt != nil {
		at := *d.StartedAt
		c.StartedAt = &at
	}
	return &c
}

// CreateSpec describes a daemon to register.
type CreateSpec struct {
	Name             string            `json:"name"`
	WorkingDirectory string            `json:"working_directory"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	Config           map[string]string `json:"config,omitempty"`
	AutoRestart      bool              `json:"auto_restart"`
}
