// Package eventstore journals daemon lifecycle events to sqlite. The journal
// is append-only; the engine writes an event for every state transition,
// update job, and system-level action, and the API reads it back for
// diagnostics.
package eventstore

import (
	"encoding/json"
	"time"
)

// EventType discriminates journal entries.
type EventType string

const (
	EventDaemonCreated EventType = "daemon_created"
	EventDaemonDeleted EventType = "daemon_deleted"
	EventStateChanged  EventType = "state_changed"
	EventUpdateApplied EventType = "update_applied"
	EventUpdateFailed  EventType = "update_failed"
	EventAutoRestart   EventType = "auto_restart"
	EventWatchdog      EventType = "watchdog_expired"
	EventSystemStarted EventType = "system_started"
	EventSystemStopped EventType = "system_stopped"
)

// Event is one journal entry. DaemonID is empty for system-level events.
type Event struct {
	ID        int64             `json:"id"`
	DaemonID  string            `json:"daemon_id,omitempty"`
	Type      EventType         `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// StateChange is the payload of a state_changed event.
type StateChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// UpdateOutcome is the payload of update_applied / update_failed events.
type UpdateOutcome struct {
	JobID   string   `json:"job_id,omitempty"`
	Source  string   `json:"source"`
	Written []string `json:"written,omitempty"`
	Skipped int      `json:"skipped"`
	Error   string   `json:"error,omitempty"`
}
