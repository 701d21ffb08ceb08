package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the journal persistence interface.
type Store interface {
	// Append adds one event; the store stamps ID and Timestamp.
	Append(ctx context.Context, event *Event) error

	// ByDaemon returns all events for a daemon in append order.
	ByDaemon(ctx context.Context, daemonID string) ([]Event, error)

	// Range returns events within [start, end] in append order.
	Range(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close releases the underlying database.
	Close() error
}

// SQLiteStore implements Store on sqlite. Use ":memory:" for tests.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (and if necessary creates) the journal database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		daemon_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_daemon ON lifecycle_events(daemon_id);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_timestamp ON lifecycle_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_type ON lifecycle_events(event_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	event.Timestamp = time.Now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO lifecycle_events (daemon_id, event_type, timestamp, payload, metadata) VALUES (?, ?, ?, ?, ?)",
		event.DaemonID, string(event.Type), event.Timestamp.Unix(), []byte(event.Payload), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// ByDaemon implements Store.
func (s *SQLiteStore) ByDaemon(ctx context.Context, daemonID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, daemon_id, event_type, timestamp, payload, metadata FROM lifecycle_events WHERE daemon_id = ? ORDER BY id",
		daemonID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, start, end time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, daemon_id, event_type, timestamp, payload, metadata FROM lifecycle_events WHERE timestamp >= ? AND timestamp <= ? ORDER BY id",
		start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		var timestampUnix int64
		var payload, metadataJSON []byte

		if err := rows.Scan(&e.ID, &e.DaemonID, &eventType, &timestampUnix, &payload, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Timestamp = time.Unix(timestampUnix, 0)
		e.Payload = json.RawMessage(payload)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
