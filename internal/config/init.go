package config

import (
	"fmt"
	"os"
)

const sampleConfig = `# Hell orchestration engine configuration
server:
  listen_addr: ":8666"

supervisor:
  grace_period: 10s
  monitor_interval: 5s
  watchdog_ceiling: 2m
  max_failed_starts: 3

retry:
  max_attempts: 3
  base_delay: 500ms
  multiplier: 2.0
  max_delay: 10s
  jitter: 0.2

update:
  workspace_dir: ./hell-data/workspace

store:
  access_db: ./hell-data/access.db
  events_db: ./hell-data/events.db

nats:
  enabled: false
  url: nats://localhost:4222
  subject: hell.events

logging:
  level: info
  format: text

# Managed daemons. Each entry becomes a supervised worker process.
daemons:
  echo-bot:
    dir: ./daemons/echo-bot
    command: ./echo-bot
    args: []
    env:
      BOT_MODE: production
    auto_restart: true
    autostart: true
`

// Init writes a sample configuration file. Refuses to overwrite unless force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
