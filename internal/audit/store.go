// Package audit records session lifecycle and request events to a local
// SQLite database. The audit trail survives restarts; sessions do not.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpSessionCreate  Operation = "session.create"
	OpSessionExpire  Operation = "session.expire"
	OpSessionLogout  Operation = "session.logout"
	OpProviderSpawn  Operation = "provider.spawn"
	OpRelayRequest   Operation = "relay.request"
	OpAuthExchange   Operation = "auth.exchange"
	OpCredentialSave Operation = "credential.save"
)

// Event is a single audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation Operation      `json:"operation"`
	SessionID string         `json:"session_id,omitempty"`
	UserEmail string         `json:"user_email,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store persists audit events
type Store struct {
	db      *sql.DB
	enabled bool
}

// NewStore opens (creating if needed) the audit database under dataDir.
func NewStore(dataDir string, enabled bool) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, enabled: enabled}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		operation TEXT NOT NULL,
		session_id TEXT,
		user_email TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		details TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_operation ON events(operation);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Log records an audit event. Failures are swallowed: auditing must never
// take down the operation being audited.
func (s *Store) Log(event *Event) {
	if !s.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var details []byte
	if event.Details != nil {
		details, _ = json.Marshal(event.Details)
	}

	_, _ = s.db.Exec(
		`INSERT INTO events (timestamp, operation, session_id, user_email, success, error, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp, string(event.Operation), event.SessionID, event.UserEmail,
		boolToInt(event.Success), event.Error, string(details),
	)
}

// BySession returns all events for a session, newest first.
func (s *Store) BySession(sessionID string) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, operation, session_id, user_email, success, error, details
		 FROM events WHERE session_id = ? ORDER BY id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var op, details string
		var success int
		if err := rows.Scan(&e.Timestamp, &op, &e.SessionID, &e.UserEmail, &success, &e.Error, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Operation = Operation(op)
		e.Success = success != 0
		if details != "" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// Prune deletes events older than maxAge and returns the count removed.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	result, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
