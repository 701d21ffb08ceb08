package config

import "time"

// Default values applied to zero-valued fields after parsing.
const (
	DefaultListenAddr         = ":8666"
	DefaultRateLimitPerMinute = 5
	DefaultGracePeriod        = 10 * time.Second
	DefaultMonitorInterval    = 5 * time.Second
	DefaultStartupProbeDelay  = 250 * time.Millisecond
	DefaultWatchdogCeiling    = 2 * time.Minute
	DefaultMaxFailedStarts    = 3
	DefaultMaxAttempts        = 3
	DefaultBaseDelay          = 500 * time.Millisecond
	DefaultMultiplier         = 2.0
	DefaultMaxDelay           = 10 * time.Second
	DefaultJitter             = 0.2
	DefaultWorkspaceDir       = "./hell-data/workspace"
	DefaultAccessDB           = "./hell-data/access.db"
	DefaultEventsDB           = "./hell-data/events.db"
	DefaultNATSSubject        = "hell.events"
)

// ApplyDefaults fills unset fields with defaults. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.RateLimitPerMinute <= 0 {
		c.Server.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(60 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(30 * time.Second)
	}

	if c.Supervisor.GracePeriod <= 0 {
		c.Supervisor.GracePeriod = Duration(DefaultGracePeriod)
	}
	if c.Supervisor.MonitorInterval <= 0 {
		c.Supervisor.MonitorInterval = Duration(DefaultMonitorInterval)
	}
	if c.Supervisor.StartupProbeDelay <= 0 {
		c.Supervisor.StartupProbeDelay = Duration(DefaultStartupProbeDelay)
	}
	if c.Supervisor.WatchdogCeiling <= 0 {
		c.Supervisor.WatchdogCeiling = Duration(DefaultWatchdogCeiling)
	}
	if c.Supervisor.MaxFailedStarts <= 0 {
		c.Supervisor.MaxFailedStarts = DefaultMaxFailedStarts
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = Duration(DefaultBaseDelay)
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = DefaultMultiplier
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = Duration(DefaultMaxDelay)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		c.Retry.Jitter = DefaultJitter
	}

	if c.Update.WorkspaceDir == "" {
		c.Update.WorkspaceDir = DefaultWorkspaceDir
	}

	if c.Store.AccessDB == "" {
		c.Store.AccessDB = DefaultAccessDB
	}
	if c.Store.EventsDB == "" {
		c.Store.EventsDB = DefaultEventsDB
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
