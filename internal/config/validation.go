package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values the engine cannot operate with.
// Defaults must have been applied first.
func (c *Config) Validate() error {
	var problems []string

	if c.Supervisor.GracePeriod.Std() <= 0 {
		problems = append(problems, "supervisor.grace_period must be positive")
	}
	if c.Supervisor.MonitorInterval.Std() <= 0 {
		problems = append(problems, "supervisor.monitor_interval must be positive")
	}
	if c.Supervisor.WatchdogCeiling.Std() <= c.Supervisor.MonitorInterval.Std() {
		problems = append(problems, "supervisor.watchdog_ceiling must exceed supervisor.monitor_interval")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	if c.Retry.MaxDelay.Std() < c.Retry.BaseDelay.Std() {
		problems = append(problems, "retry.max_delay must be >= retry.base_delay")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when nats.enabled is true")
	}

	for name, spec := range c.Daemons {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "daemon name must not be empty")
			continue
		}
		if spec.Command == "" {
			problems = append(problems, fmt.Sprintf("daemons.%s.command is required", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
