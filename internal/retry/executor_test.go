package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

func testPolicy() Policy {
	return NewPolicy(3, 10*time.Millisecond, 2.0, 100*time.Millisecond, 0)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	exec := NewExecutor(testPolicy(), nil)

	attempts := 0
	start := time.Now()
	err := exec.Do(context.Background(), "spawn", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return derrors.ProcessError("process not ready").Build()
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Two backoff delays: 10ms + 20ms.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	exec := NewExecutor(testPolicy(), nil)

	attempts := 0
	permanent := derrors.ConfigError("bad working directory").Build()
	err := exec.Do(context.Background(), "spawn", func(context.Context) error {
		attempts++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, IsExhausted(err))
}

func TestDoExhaustsAndWrapsLastError(t *testing.T) {
	exec := NewExecutor(testPolicy(), nil)

	last := derrors.TimeoutError("health check timed out").Build()
	err := exec.Do(context.Background(), "health", func(context.Context) error {
		return last
	})

	require.Error(t, err)
	assert.True(t, IsExhausted(err))

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, last)
}

func TestDoRespectsCancellation(t *testing.T) {
	exec := NewExecutor(NewPolicy(5, 50*time.Millisecond, 2.0, time.Second, 0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := exec.Do(ctx, "spawn", func(context.Context) error {
		return derrors.ProcessError("not ready").Build()
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(derrors.ProcessError("spawn flake").Build()))
	assert.True(t, IsTransient(derrors.TimeoutError("slow").Build()))
	assert.True(t, IsTransient(derrors.NetworkError("reset").Build()))
	assert.False(t, IsTransient(derrors.ConfigError("bad config").Build()))
	assert.False(t, IsTransient(derrors.ValidationError("bad archive").Build()))
	assert.False(t, IsTransient(errors.New("opaque failure")))
	assert.False(t, IsTransient(nil))
}
