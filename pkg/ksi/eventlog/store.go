package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	ksierrors "github.com/durapensa/ksi-sub004/pkg/ksi/errors"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = fmt.Errorf("event store is closed")

// Store persists event log entries to SQLite. The database is opened in
// WAL mode so the background writer and concurrent readers coexist.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewStore opens (or creates) the durable event log at path. Use
// ":memory:" for testing.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_log (
			timestamp REAL NOT NULL,
			event_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			client_id TEXT,
			session_id TEXT,
			correlation_id TEXT,
			event_id TEXT,
			data TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	indexes := map[string]string{
		"idx_event_log_timestamp":      "timestamp",
		"idx_event_log_event_name":     "event_name",
		"idx_event_log_session_id":     "session_id",
		"idx_event_log_correlation_id": "correlation_id",
		"idx_event_log_client_id":      "client_id",
	}
	for name, column := range indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON event_log(%s)", name, column)
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index %s: %w", name, err)
		}
	}

	return &Store{db: db}, nil
}

// InsertBatch writes a batch of entries in a single transaction.
// Failures are wrapped as persistence errors so the writer's retry
// logic treats them as transient.
func (s *Store) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &ksierrors.PersistenceError{Op: "begin batch", Err: err}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO event_log
			(timestamp, event_name, event_type, client_id, session_id, correlation_id, event_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return &ksierrors.PersistenceError{Op: "prepare insert", Err: err}
	}
	defer stmt.Close()

	for _, e := range entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			// Unserializable payloads are stored as their error string
			// rather than aborting the whole batch.
			data = []byte(fmt.Sprintf(`{"_marshal_error":%q}`, err.Error()))
		}
		if _, err := stmt.Exec(
			toUnix(e.Timestamp),
			e.EventName,
			eventType(e.EventName),
			nullable(e.ClientID),
			nullable(e.SessionID),
			nullable(e.CorrelationID),
			nullable(e.EventID),
			string(data),
		); err != nil {
			tx.Rollback()
			return &ksierrors.PersistenceError{Op: "insert entry", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &ksierrors.PersistenceError{Op: "commit batch", Err: err}
	}
	return nil
}

// LoadRecent returns up to limit entries from the last retention
// window, oldest first, for ring-buffer backfill at startup.
func (s *Store) LoadRecent(window time.Duration, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	cutoff := toUnix(time.Now().Add(-window))
	rows, err := s.db.Query(`
		SELECT timestamp, event_name, client_id, session_id, correlation_id, event_id, data
		FROM event_log
		WHERE timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, &ksierrors.PersistenceError{Op: "load recent", Err: err}
	}
	defer rows.Close()

	var newestFirst []Entry
	for rows.Next() {
		var (
			ts                                       float64
			name, data                               string
			clientID, sessionID, correlationID, evID sql.NullString
		)
		if err := rows.Scan(&ts, &name, &clientID, &sessionID, &correlationID, &evID, &data); err != nil {
			return nil, &ksierrors.PersistenceError{Op: "scan entry", Err: err}
		}
		e := Entry{
			Timestamp:     fromUnix(ts),
			EventName:     name,
			ClientID:      clientID.String,
			SessionID:     sessionID.String,
			CorrelationID: correlationID.String,
			EventID:       evID.String,
		}
		_ = json.Unmarshal([]byte(data), &e.Data)
		newestFirst = append(newestFirst, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &ksierrors.PersistenceError{Op: "iterate entries", Err: err}
	}

	// Reverse into append order.
	entries := make([]Entry, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		entries = append(entries, newestFirst[i])
	}
	return entries, nil
}

// DeleteBefore removes durable entries older than cutoff and returns
// the number deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM event_log WHERE timestamp < ?`, toUnix(cutoff))
	if err != nil {
		return 0, &ksierrors.PersistenceError{Op: "retention delete", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// eventType derives the namespace prefix from an event name.
func eventType(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
