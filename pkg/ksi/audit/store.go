package audit

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
var ErrStoreClosed = fmt.Errorf("audit store is closed")

// Store persists audit snapshots to SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewStore opens (or creates) the audit database at path. Use
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
		CREATE TABLE IF NOT EXISTS audit_entries (
			timestamp REAL NOT NULL,
			type TEXT NOT NULL,
			success INTEGER NOT NULL,
			payload TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp
		ON audit_entries(timestamp)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveBatch appends a batch of entries in one transaction.
func (s *Store) SaveBatch(entries []Entry) error {
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
		return &ksierrors.PersistenceError{Op: "begin snapshot", Err: err}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO audit_entries (timestamp, type, success, payload)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return &ksierrors.PersistenceError{Op: "prepare snapshot", Err: err}
	}
	defer stmt.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"_marshal_error":%q}`, err.Error()))
		}
		success := 0
		if e.Success {
			success = 1
		}
		ts := float64(e.Timestamp.UnixNano()) / float64(time.Second)
		if _, err := stmt.Exec(ts, string(e.Type), success, string(payload)); err != nil {
			tx.Rollback()
			return &ksierrors.PersistenceError{Op: "insert audit entry", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &ksierrors.PersistenceError{Op: "commit snapshot", Err: err}
	}
	return nil
}

// Count returns the number of persisted entries.
func (s *Store) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, &ksierrors.PersistenceError{Op: "count audit entries", Err: err}
	}
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
