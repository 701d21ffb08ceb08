package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/registry"
)

func testSupervisor(grace time.Duration) *Supervisor {
	return New(config.SupervisorConfig{
		GracePeriod:     config.Duration(grace),
		MonitorInterval: config.Duration(time.Second),
		WatchdogCeiling: config.Duration(time.Minute),
		MaxFailedStarts: 3,
	})
}

func shellDaemon(t *testing.T, script string) *registry.Daemon {
	t.Helper()
	return &registry.Daemon{
		ID:               "test-id",
		Name:             "test-daemon",
		WorkingDirectory: t.TempDir(),
		Command:          "sh",
		Args:             []string{"-c", script},
	}
}

func TestSpawnAndWaitReturnsExitCode(t *testing.T) {
	sup := testSupervisor(time.Second)

	h, err := sup.Spawn(context.Background(), shellDaemon(t, "exit 7"))
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	code, err := sup.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestSpawnMissingCommandIsPermanent(t *testing.T) {
	sup := testSupervisor(time.Second)
	d := shellDaemon(t, "")
	d.Command = "/nonexistent/worker-binary"

	_, err := sup.Spawn(context.Background(), d)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConfig))
}

func TestSpawnRendersConfigIntoEnvironment(t *testing.T) {
	sup := testSupervisor(time.Second)
	d := shellDaemon(t, `test "$HELL_TEST_VALUE" = "forty-two"`)
	d.Config = map[string]string{"HELL_TEST_VALUE": "forty-two"}

	h, err := sup.Spawn(context.Background(), d)
	require.NoError(t, err)

	code, err := sup.Wait(context.Background(), h)
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestHealthCheckObservesExit(t *testing.T) {
	sup := testSupervisor(time.Second)

	h, err := sup.Spawn(context.Background(), shellDaemon(t, "exit 3"))
	require.NoError(t, err)

	_, err = sup.Wait(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, Exited, sup.HealthCheck(h))
	code, exited := h.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestHealthCheckRunningProcess(t *testing.T) {
	sup := testSupervisor(time.Second)

	h, err := sup.Spawn(context.Background(), shellDaemon(t, "sleep 30"))
	require.NoError(t, err)
	defer func() { _ = sup.Terminate(context.Background(), h, false) }()

	assert.Equal(t, Healthy, sup.HealthCheck(h))
}

func TestTerminateGraceful(t *testing.T) {
	sup := testSupervisor(5 * time.Second)

	h, err := sup.Spawn(context.Background(), shellDaemon(t, "sleep 30"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sup.Terminate(context.Background(), h, true))
	// SIGTERM should end sleep well before the grace period expires.
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Exited, sup.HealthCheck(h))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	sup := testSupervisor(200 * time.Millisecond)

	h, err := sup.Spawn(context.Background(), shellDaemon(t, `trap "" TERM; sleep 30`))
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, sup.Terminate(context.Background(), h, true))
	assert.Equal(t, Exited, sup.HealthCheck(h))
}

func TestWaitHonorsContext(t *testing.T) {
	sup := testSupervisor(time.Second)

	h, err := sup.Spawn(context.Background(), shellDaemon(t, "sleep 30"))
	require.NoError(t, err)
	defer func() { _ = sup.Terminate(context.Background(), h, false) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sup.Wait(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
