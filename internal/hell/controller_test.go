package hell

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Supervisor: config.SupervisorConfig{
			GracePeriod:       config.Duration(2 * time.Second),
			MonitorInterval:   config.Duration(time.Second),
			StartupProbeDelay: config.Duration(50 * time.Millisecond),
			WatchdogCeiling:   config.Duration(time.Minute),
			MaxFailedStarts:   3,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   config.Duration(10 * time.Millisecond),
			Multiplier:  2,
			MaxDelay:    config.Duration(50 * time.Millisecond),
		},
		Update: config.UpdateConfig{WorkspaceDir: t.TempDir()},
		Store:  config.StoreConfig{EventsDB: ":memory:", AccessDB: ":memory:"},
	}
}

func newTestController(t *testing.T, cfg *config.Config) *Controller {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.mon.Stop()
		_ = c.Close()
	})
	return c
}

func sleepSpec(t *testing.T, name string) registry.CreateSpec {
	t.Helper()
	return registry.CreateSpec{
		Name:             name,
		WorkingDirectory: t.TempDir(),
		Command:          "sh",
		Args:             []string{"-c", "sleep 30"},
	}
}

func TestSystemStartStopCycle(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, c.SystemStart(ctx))
	assert.Equal(t, SystemRunning, c.SystemStateNow())

	// Starting an already running system is an invalid transition.
	err := c.SystemStart(ctx)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))

	require.NoError(t, c.SystemStop(ctx))
	assert.Equal(t, SystemStopped, c.SystemStateNow())

	// The cycle works a second time.
	require.NoError(t, c.SystemStart(ctx))
	require.NoError(t, c.SystemStop(ctx))
}

func TestSystemStartRegistersAndAutostartsDaemons(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemons = map[string]config.DaemonSpec{
		"echo-bot": {
			Dir:       t.TempDir(),
			Command:   "sh",
			Args:      []string{"-c", "sleep 30"},
			Autostart: true,
		},
		"idle-bot": {
			Dir:     t.TempDir(),
			Command: "sh",
			Args:    []string{"-c", "sleep 30"},
		},
	}
	c := newTestController(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.SystemStart(ctx))
	defer func() { _ = c.SystemStop(ctx) }()

	echo, err := c.DaemonGetByName("echo-bot")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, echo.State)
	assert.Positive(t, echo.PID())

	idle, err := c.DaemonGetByName("idle-bot")
	require.NoError(t, err)
	assert.Equal(t, registry.StateCreated, idle.State)
}

func TestDaemonLifecycle(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)
	assert.Equal(t, registry.StateCreated, d.State)

	started, err := c.DaemonStart(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, started.State)
	assert.Positive(t, started.PID())

	stopped, err := c.DaemonStop(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateStopped, stopped.State)
	assert.Equal(t, -1, stopped.PID())

	require.NoError(t, c.DaemonDelete(ctx, d.ID))
	_, err = c.DaemonGet(d.ID)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryNotFound))
}

func TestDaemonRestartReplacesProcess(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)
	started, err := c.DaemonStart(ctx, d.ID)
	require.NoError(t, err)
	oldPID := started.PID()

	restarted, err := c.DaemonRestart(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, restarted.State)
	assert.NotEqual(t, oldPID, restarted.PID())

	_, err = c.DaemonStop(ctx, d.ID)
	require.NoError(t, err)
}

func TestStartFailureExhaustsRetriesAndRecordsDiagnostics(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, registry.CreateSpec{
		Name:             "crasher",
		WorkingDirectory: t.TempDir(),
		Command:          "sh",
		Args:             []string{"-c", "exit 1"},
	})
	require.NoError(t, err)

	_, err = c.DaemonStart(ctx, d.ID)
	require.Error(t, err)

	got, err := c.DaemonGet(d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateFailed, got.State)
	assert.NotEmpty(t, got.LastError)
	assert.Equal(t, 2, got.RetryCount)
}

func TestStopOfNonRunningDaemonConflicts(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)

	_, err = c.DaemonStop(ctx, d.ID)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))
}

func TestConcurrentStartsProduceOneProcess(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.DaemonStart(ctx, d.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := c.DaemonGet(d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, got.State)

	_, err = c.DaemonStop(ctx, d.ID)
	require.NoError(t, err)
}

func TestStopCancelsInFlightStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supervisor.StartupProbeDelay = config.Duration(2 * time.Second)
	c := newTestController(t, cfg)
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		_, err := c.DaemonStart(ctx, d.ID)
		startErr <- err
	}()

	// Let the start reach its probe delay, then stop.
	require.Eventually(t, func() bool {
		got, err := c.DaemonGet(d.ID)
		return err == nil && got.State == registry.StateStarting
	}, time.Second, 10*time.Millisecond)

	stopped, err := c.DaemonStop(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateStopped, stopped.State)

	err = <-startErr
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))
}

func TestSystemStopCancelsInFlightStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supervisor.StartupProbeDelay = config.Duration(2 * time.Second)
	c := newTestController(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.SystemStart(ctx))

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() {
		_, err := c.DaemonStart(ctx, d.ID)
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		got, err := c.DaemonGet(d.ID)
		return err == nil && got.State == registry.StateStarting
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.SystemStop(ctx))
	assert.Equal(t, SystemStopped, c.SystemStateNow())

	err = <-startErr
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))

	// The cancelled start must not deploy after shutdown.
	got, err := c.DaemonGet(d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateStopped, got.State)
}

func TestInstanceIsSharedAcrossConcurrentCallers(t *testing.T) {
	ResetInstance()
	t.Cleanup(ResetInstance)
	cfg := testConfig(t)

	var wg sync.WaitGroup
	controllers := make([]*Controller, 4)
	for i := range controllers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := Instance(context.Background(), cfg)
			require.NoError(t, err)
			controllers[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(controllers); i++ {
		assert.Same(t, controllers[0], controllers[i])
	}
}

func TestTransitionsAreJournaled(t *testing.T) {
	c := newTestController(t, testConfig(t))
	ctx := context.Background()

	d, err := c.DaemonCreate(ctx, sleepSpec(t, "worker"))
	require.NoError(t, err)
	_, err = c.DaemonStart(ctx, d.ID)
	require.NoError(t, err)
	_, err = c.DaemonStop(ctx, d.ID)
	require.NoError(t, err)

	events, err := c.DaemonEvents(ctx, d.ID)
	require.NoError(t, err)
	// created + starting + running + stopping + stopped
	assert.GreaterOrEqual(t, len(events), 5)
}
