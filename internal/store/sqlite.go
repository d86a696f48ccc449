package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/clinvoice/backend/internal/model/s2s"
	"github.com/clinvoice/backend/internal/service/session"
)

// EventStore persists session event-log entries to SQLite. It plugs into a
// session's event log as a sink; append failures are logged, never fatal,
// so a broken disk cannot take down a live conversation.
type EventStore struct {
	db *sql.DB
}

// NewEventStore opens (or creates) the database at dbPath and migrates the
// schema.
func NewEventStore(dbPath string) (*EventStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &EventStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *EventStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		direction   TEXT NOT NULL,
		kind        TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		payload     TEXT,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one event-log entry. Implements session.Sink.
func (s *EventStore) Append(entry session.Entry) {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO session_events (session_id, seq, direction, kind, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Seq, string(entry.Direction), string(entry.Kind), entry.Timestamp, entry.Payload,
	)
	if err != nil {
		log.Printf("[store] append event %d for session %s: %v", entry.Seq, entry.SessionID, err)
	}
}

// SessionEvents returns the persisted entries for one session in sequence
// order.
func (s *EventStore) SessionEvents(ctx context.Context, sessionID string) ([]session.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, direction, kind, timestamp, payload
		 FROM session_events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []session.Entry
	for rows.Next() {
		var entry session.Entry
		var direction, kind string
		if err := rows.Scan(&entry.SessionID, &entry.Seq, &direction, &kind, &entry.Timestamp, &entry.Payload); err != nil {
			return nil, err
		}
		entry.Direction = session.Direction(direction)
		entry.Kind = s2s.Kind(kind)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Sessions returns the distinct session ids present in the store, most
// recent first.
func (s *EventStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM session_events GROUP BY session_id ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *EventStore) Close() error {
	return s.db.Close()
}
