// Package store persists sessions, events, and deliveries to SQLite so a
// box's behavioral record survives restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/operant-box/internal/logic"
	"github.com/sweeney/operant-box/internal/monitor"
	"github.com/sweeney/operant-box/internal/ports"
)

// Schema for the operant box store.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    box           TEXT NOT NULL,
    started_at_ns INTEGER NOT NULL,
    ended_at_ns   INTEGER
);

CREATE TABLE IF NOT EXISTS events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL REFERENCES sessions(id),
    timestamp_ns  INTEGER NOT NULL,
    type          TEXT NOT NULL,
    port          INTEGER NOT NULL,
    kind          TEXT NOT NULL,
    duration_ms   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp_ns);

CREATE TABLE IF NOT EXISTS actuations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL REFERENCES sessions(id),
    timestamp_ns  INTEGER NOT NULL,
    port          INTEGER NOT NULL,
    duration_ms   INTEGER NOT NULL,
    attempts      INTEGER NOT NULL,
    error         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_actuations_session ON actuations(session_id, timestamp_ns);

CREATE TABLE IF NOT EXISTS calibrations (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    port           INTEGER NOT NULL,
    measured_at_ns INTEGER NOT NULL,
    duration_ms    INTEGER NOT NULL,
    pulses         INTEGER NOT NULL,
    grams          REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calibrations_port ON calibrations(port, measured_at_ns);
`

// Store is the SQLite-backed box record.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginSession records a new session row.
func (s *Store) BeginSession(id, box string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, box, started_at_ns)
		VALUES (?, ?, ?)`,
		id, box, startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(id string, endedAt time.Time) error {
	result, err := s.db.Exec(`UPDATE sessions SET ended_at_ns = ? WHERE id = ?`,
		endedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// InsertEvent records one classified event under a session. Only rows for
// events that carry a duration store one.
func (s *Store) InsertEvent(sessionID string, e logic.Event) error {
	var durationMs any
	if e.Type == logic.EventOutPosition {
		durationMs = e.Duration.Milliseconds()
	}

	_, err := s.db.Exec(`
		INSERT INTO events (session_id, timestamp_ns, type, port, kind, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, e.Time.UnixNano(), string(e.Type), e.Port, string(e.Kind), durationMs,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// SessionEvent is one recorded event row.
type SessionEvent struct {
	Time time.Time
	Type logic.EventType
	Port int
	Kind ports.Kind
	// Duration is zero for rows without one.
	Duration time.Duration
}

// EventsForSession returns a session's events in time order.
func (s *Store) EventsForSession(sessionID string) ([]SessionEvent, error) {
	rows, err := s.db.Query(`
		SELECT timestamp_ns, type, port, kind, duration_ms
		FROM events
		WHERE session_id = ?
		ORDER BY timestamp_ns ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var (
			e          SessionEvent
			ns         int64
			typ, kind  string
			durationMs sql.NullInt64
		)
		if err := rows.Scan(&ns, &typ, &e.Port, &kind, &durationMs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time = time.Unix(0, ns)
		e.Type = logic.EventType(typ)
		e.Kind = ports.Kind(kind)
		if durationMs.Valid {
			e.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// InsertDelivery records one finished delivery under a session.
func (s *Store) InsertDelivery(sessionID string, d monitor.Delivery) error {
	_, err := s.db.Exec(`
		INSERT INTO actuations (session_id, timestamp_ns, port, duration_ms, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, d.Time.UnixNano(), d.Port, d.Duration.Milliseconds(), d.Attempts, d.Err,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// DeliveriesForSession returns a session's deliveries in time order.
func (s *Store) DeliveriesForSession(sessionID string) ([]monitor.Delivery, error) {
	rows, err := s.db.Query(`
		SELECT timestamp_ns, port, duration_ms, attempts, error
		FROM actuations
		WHERE session_id = ?
		ORDER BY timestamp_ns ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []monitor.Delivery
	for rows.Next() {
		var (
			d          monitor.Delivery
			ns         int64
			durationMs int64
		)
		if err := rows.Scan(&ns, &d.Port, &durationMs, &d.Attempts, &d.Err); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Time = time.Unix(0, ns)
		d.Duration = time.Duration(durationMs) * time.Millisecond
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// EventSink adapts the store to the monitor's sink interface, scoped to
// one session.
func (s *Store) EventSink(sessionID string) monitor.Sink {
	return monitor.SinkFunc(func(e logic.Event) error {
		return s.InsertEvent(sessionID, e)
	})
}

// DeliveryRecorder adapts the store to the coordinator's recorder
// interface, scoped to one session.
func (s *Store) DeliveryRecorder(sessionID string) monitor.ActuationRecorder {
	return deliveryRecorder{s: s, sessionID: sessionID}
}

type deliveryRecorder struct {
	s         *Store
	sessionID string
}

func (r deliveryRecorder) RecordDelivery(d monitor.Delivery) error {
	return r.s.InsertDelivery(r.sessionID, d)
}
