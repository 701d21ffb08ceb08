// Package events publishes daemon lifecycle events to NATS for external
// consumers (dashboards, alerting). Publishing is optional and best-effort;
// the journal in the eventstore package stays the source of truth.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/undergrid/hell/internal/config"
	"github.com/undergrid/hell/internal/eventstore"
	"github.com/undergrid/hell/internal/logfields"
)

// Publisher emits lifecycle events to an external bus.
type Publisher interface {
	// Publish emits one event. Failures are reported but callers treat them
	// as non-fatal.
	Publish(event *eventstore.Event) error
	Close() error
}

// NoopPublisher is the default when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(*eventstore.Event) error { return nil }
func (NoopPublisher) Close() error                    { return nil }

// NATSPublisher publishes events as JSON on a configured subject, suffixed
// with the event type ("hell.events.state_changed").
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the configured NATS server.
func NewNATSPublisher(cfg config.NATSConfig) (*NATSPublisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("nats publishing is disabled")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	slog.Info("nats publisher initialized",
		slog.String("url", cfg.URL), slog.String("subject", cfg.Subject))
	return &NATSPublisher{conn: conn, subject: cfg.Subject}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(event *eventstore.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.subject + "." + string(event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	slog.Debug("lifecycle event published",
		slog.String("subject", subject), logfields.DaemonID(event.DaemonID))
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
	return nil
}
