// Package config loads and validates the orchestration engine configuration.
//
// Configuration is read from a YAML file, optionally overlaid with values from
// a .env file and process environment variables. Daemon specifications live in
// the same file under the `daemons` key so a single document describes both
// the engine and the fleet it supervises.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Hell orchestration engine.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Supervisor SupervisorConfig      `yaml:"supervisor"`
	Retry      RetryConfig           `yaml:"retry"`
	Update     UpdateConfig          `yaml:"update"`
	Store      StoreConfig           `yaml:"store"`
	NATS       NATSConfig            `yaml:"nats"`
	Logging    LoggingConfig         `yaml:"logging"`
	Daemons    map[string]DaemonSpec `yaml:"daemons"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// RateLimitPerMinute bounds the unauthenticated invitation/key endpoints.
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
}

// SupervisorConfig controls process supervision behavior.
type SupervisorConfig struct {
	// GracePeriod is how long terminate waits after SIGTERM before SIGKILL.
	GracePeriod Duration `yaml:"grace_period"`
	// MonitorInterval is the health-check sweep period for running daemons.
	MonitorInterval Duration `yaml:"monitor_interval"`
	// StartupProbeDelay is the pause before the post-spawn liveness probe.
	StartupProbeDelay Duration `yaml:"startup_probe_delay"`
	// WatchdogCeiling forces a daemon stuck in Starting to Failed.
	WatchdogCeiling Duration `yaml:"watchdog_ceiling"`
	// MaxFailedStarts caps consecutive automatic restarts of a crashed daemon.
	MaxFailedStarts int `yaml:"max_failed_starts"`
}

// RetryConfig parameterizes the retry executor for transient lifecycle failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    Duration `yaml:"max_delay"`
	// Jitter is the +/- fraction applied to each delay (0..1).
	Jitter float64 `yaml:"jitter"`
}

// UpdateConfig controls code update application.
type UpdateConfig struct {
	// WorkspaceDir is the scratch area for fetched sources and uploaded archives.
	WorkspaceDir string `yaml:"workspace_dir"`
	// MaxArchiveBytes bounds uploaded archives; zero means no limit.
	MaxArchiveBytes int64 `yaml:"max_archive_bytes"`
}

// StoreConfig locates the sqlite databases.
type StoreConfig struct {
	AccessDB string `yaml:"access_db"`
	EventsDB string `yaml:"events_db"`
}

// NATSConfig gates the optional lifecycle event publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// DaemonSpec describes one managed worker as declared in configuration.
type DaemonSpec struct {
	// Dir is the daemon's working directory; relative paths resolve against
	// DaemonsPath of the parent document's directory.
	Dir string `yaml:"dir"`
	// Command is the executable to launch, resolved relative to Dir when not absolute.
	Command string `yaml:"command"`
	// Args are passed to the command verbatim.
	Args []string `yaml:"args"`
	// Env is the daemon-specific key/value configuration rendered into the
	// process environment on spawn.
	Env map[string]string `yaml:"env"`
	// AutoRestart makes the monitor restart the daemon after an unexpected exit.
	AutoRestart bool `yaml:"auto_restart"`
	// Autostart deploys the daemon when the system starts.
	Autostart bool `yaml:"autostart"`
}

// Duration wraps time.Duration with YAML string parsing ("10s", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, overlays, defaults, and validates configuration from path.
// A .env file next to the config file is loaded first when present so that
// ${VAR} style overrides work in containerized deployments.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env file is not an error.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps a small set of operational environment variables onto
// the config. File values lose to the environment, matching 12-factor habits.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HELL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("HELL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HELL_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("HELL_ACCESS_DB"); v != "" {
		c.Store.AccessDB = v
	}
	if v := os.Getenv("HELL_EVENTS_DB"); v != "" {
		c.Store.EventsDB = v
	}
}
