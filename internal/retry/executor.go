package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/logfields"
)

// ExhaustedError wraps the last underlying failure after all attempts were consumed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return "retries exhausted for " + e.Op + ": " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err carries an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Recorder receives retry observations; implementations live in the metrics package.
type Recorder interface {
	IncRetry(op string)
	IncRetryExhausted(op string)
}

// Executor wraps lifecycle operations with the configured retry policy.
type Executor struct {
	policy   Policy
	recorder Recorder
}

// NewExecutor builds an executor. recorder may be nil.
func NewExecutor(policy Policy, recorder Recorder) *Executor {
	return &Executor{policy: policy, recorder: recorder}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs fn until it succeeds, a permanent failure occurs, the context is
// cancelled, or attempts are exhausted. Only transient failures are retried.
// Exhaustion returns the last error wrapped in ExhaustedError.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			slog.Warn("retrying operation", logfields.Operation(op), logfields.Attempt(attempt))
			if e.recorder != nil {
				e.recorder.IncRetry(op)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			slog.Error("permanent failure, not retrying", logfields.Operation(op), logfields.Error(err))
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if e.recorder != nil {
		e.recorder.IncRetryExhausted(op)
	}
	return &ExhaustedError{Op: op, Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// IsTransient classifies an error as retryable. Classified errors carry their
// own retry strategy; for plain errors only timeouts and connection resets
// qualify. Permission and configuration failures never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := derrors.AsClassified(err); ok {
		switch c.RetryStrategy() {
		case derrors.RetryBackoff, derrors.RetryImmediate:
			return true
		default:
			return false
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
