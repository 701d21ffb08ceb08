package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// row pairs a daemon with its per-id operation guard.
type row struct {
	daemon *Daemon
	guard  *guard
}

// Registry is the thread-safe daemon table. The table lock protects the map
// and insertion order; per-daemon lifecycle exclusivity is provided by each
// row's guard, so operations on different ids never block each other beyond
// the map access itself.
type Registry struct {
	mu    sync.RWMutex
	rows  map[string]*row
	order []string // ids in insertion order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{rows: make(map[string]*row)}
}

// Create registers a new daemon in state Created. Fails with an
// already-exists error when a daemon with the same name is present.
func (r *Registry) Create(spec CreateSpec) (*Daemon, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, derrors.ValidationError("daemon name is required").Build()
	}
	if spec.Command == "" {
		return nil, derrors.ValidationError("daemon command is required").
			WithContext("daemon", name).Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rows {
		if existing.daemon.Name == name {
			return nil, derrors.NewError(derrors.CategoryAlreadyExists, "daemon name already in use").
				WithContext("daemon", name).Build()
		}
	}

	d := &Daemon{
		ID:               uuid.NewString(),
		Name:             name,
		WorkingDirectory: spec.WorkingDirectory,
		Command:          spec.Command,
		Args:             append([]string(nil), spec.Args...),
		State:            StateCreated,
		Config:           spec.Config,
		ConfigVersion:    1,
		AutoRestart:      spec.AutoRestart,
		CreatedAt:        time.Now(),
	}
	r.rows[d.ID] = &row{daemon: d, guard: newGuard()}
	r.order = append(r.order, d.ID)
	return d.clone(), nil
}

// Get returns a snapshot of the daemon with the given id.
func (r *Registry) Get(id string) (*Daemon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rw, ok := r.rows[id]
	if !ok {
		return nil, notFound(id)
	}
	return rw.daemon.clone(), nil
}

// GetByName returns a snapshot of the daemon with the given name.
func (r *Registry) GetByName(name string) (*Daemon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if rw, ok := r.rows[id]; ok && rw.daemon.Name == name {
			return rw.daemon.clone(), nil
		}
	}
	return nil, derrors.NotFoundError("daemon not found").WithContext("daemon", name).Build()
}

// List returns snapshots of all daemons in insertion order.
func (r *Registry) List() []*Daemon {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Daemon, 0, len(r.order))
	for _, id := range r.order {
		if rw, ok := r.rows[id]; ok {
			out = append(out, rw.daemon.clone())
		}
	}
	return out
}

// Delete removes a daemon that is not running. Only Created, Stopped, and
// Failed daemons may be deleted; anything holding a process is a conflict.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rw, ok := r.rows[id]
	if !ok {
		return notFound(id)
	}
	switch rw.daemon.State {
	case StateCreated, StateStopped, StateFailed:
	default:
		return derrors.ConflictError("daemon must be stopped before deletion").
			WithContext("daemon", rw.daemon.Name).
			WithContext("state", string(rw.daemon.State)).Build()
	}
	delete(r.rows, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// CompareAndTransition atomically moves a daemon from expected to next if the
// state machine allows it, applying the given mutations in the same critical
// section. It is the sole state-mutation primitive.
func (r *Registry) CompareAndTransition(id string, expected, next State, opts ...TransitionOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rw, ok := r.rows[id]
	if !ok {
		return notFound(id)
	}
	d := rw.daemon

	if d.State != expected {
		return derrors.ConflictError("daemon state changed concurrently").
			WithContext("daemon", d.Name).
			WithContext("expected", string(expected)).
			WithContext("actual", string(d.State)).Build()
	}
	if !transitionAllowed(expected, next) {
		return derrors.ConflictError(fmt.Sprintf("transition %s -> %s not allowed", expected, next)).
			WithContext("daemon", d.Name).Build()
	}

	d.State = next
	// Successful arrival at Running clears stale diagnostics before options
	// apply, so a start can still record the attempts it consumed.
	if next == StateRunning {
		d.LastError = ""
		d.RetryCount = 0
		d.ExitCode = nil
	}
	for _, opt := range opts {
		opt(d)
	}

	// Invariant: handle present iff the new state requires a process.
	if next.HasProcess() && d.Handle == nil {
		d.State = expected
		return derrors.InternalError("transition requires a process handle").
			WithContext("daemon", d.Name).
			WithContext("state", string(next)).Build()
	}
	if !next.HasProcess() {
		d.Handle = nil
		d.StartedAt = nil
	}
	return nil
}

// TransitionOption mutates a daemon row inside CompareAndTransition.
type TransitionOption func(*Daemon)

// WithHandle attaches the process handle and stamps the start time.
func WithHandle(h ProcessHandle) TransitionOption {
	return func(d *Daemon) {
		d.Handle = h
		now := time.Now()
		d.StartedAt = &now
	}
}

// WithError records the failure that caused the transition.
func WithError(err error) TransitionOption {
	return func(d *Daemon) {
		if err != nil {
			d.LastError = err.Error()
		}
	}
}

// WithExitCode records the observed process exit code.
func WithExitCode(code int) TransitionOption {
	return func(d *Daemon) {
		c := code
		d.ExitCode = &c
	}
}

// WithRetryCount records how many attempts the operation consumed.
func WithRetryCount(n int) TransitionOption {
	return func(d *Daemon) { d.RetryCount = n }
}

// WithSignatures replaces the stored file signature snapshot and bumps the
// config version, marking a new code baseline.
func WithSignatures(sigs map[string]string) TransitionOption {
	return func(d *Daemon) {
		d.FileSignatures = sigs
		d.ConfigVersion++
	}
}

// Signatures returns the stored signature snapshot for a daemon.
func (r *Registry) Signatures(id string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rw, ok := r.rows[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make(map[string]string, len(rw.daemon.FileSignatures))
	for k, v := range rw.daemon.FileSignatures {
		out[k] = v
	}
	return out, nil
}

// SetSignatures stores a signature snapshot outside of a state transition.
// Used when an update is applied to a daemon that stays stopped.
func (r *Registry) SetSignatures(id string, sigs map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rw, ok := r.rows[id]
	if !ok {
		return notFound(id)
	}
	rw.daemon.FileSignatures = sigs
	rw.daemon.ConfigVersion++
	return nil
}

func notFound(id string) error {
	return derrors.NotFoundError("daemon not found").WithContext("daemon_id", id).Build()
}
