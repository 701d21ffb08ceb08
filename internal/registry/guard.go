package registry

import "context"

// guard serializes lifecycle operations on one daemon id. It is a capacity-1
// token channel: blocked acquirers queue in arrival order, which gives the
// strict per-id FIFO ordering the controller relies on.
type guard struct {
	tokens chan struct{}
}

func newGuard() *guard {
	return &guard{tokens: make(chan struct{}, 1)}
}

func (g *guard) acquire(ctx context.Context) error {
	select {
	case g.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *guard) tryAcquire() bool {
	select {
	case g.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *guard) release() {
	<-g.tokens
}

// Acquire takes the per-id operation guard, blocking until the daemon's
// current operation finishes or ctx is cancelled. The returned release
// function must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, id string) (func(), error) {
	r.mu.RLock()
	rw, ok := r.rows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	if err := rw.guard.acquire(ctx); err != nil {
		return nil, err
	}
	return rw.guard.release, nil
}

// TryAcquire takes the guard without blocking. The second return reports
// whether the guard was obtained.
func (r *Registry) TryAcquire(id string) (func(), bool, error) {
	r.mu.RLock()
	rw, ok := r.rows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, notFound(id)
	}
	if !rw.guard.tryAcquire() {
		return nil, false, nil
	}
	return rw.guard.release, true, nil
}
