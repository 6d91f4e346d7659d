package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"UATChat/internal/session"
)

// Store is the durable mapping from session key to transcript.
//
// Load of an absent key is not an error: it returns an empty transcript,
// because a never-saved session is a normal case. Delete of an absent key is
// a no-op for the same reason.
type Store interface {
	List() ([]string, error)
	Save(key string, turns []session.Turn, timings string) error
	Load(key string) ([]session.Turn, string, error)
	Delete(key string) error
	PurgeOlderThan(maxAgeDays int) error
	Close() error
}

// SQLiteStore persists sessions in a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the session database at path, ensuring the parent
// directory exists.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping session store: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		saved_at TEXT,
		timings TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY(session_key) REFERENCES sessions(key)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, seq);`)
	if err != nil {
		return fmt.Errorf("failed to create session store schema: %w", err)
	}
	return nil
}

// List returns all saved session keys sorted lexicographically descending.
// With the timestamp-prefixed key convention this is most-recent-first.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM sessions ORDER BY key DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan session key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Save writes the transcript under key, overwriting any existing entry.
// The write is a single transaction, so a concurrent reader sees either the
// previous transcript or the new one, never a partial mix.
func (s *SQLiteStore) Save(key string, turns []session.Turn, timings string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sessions (key, saved_at, timings) VALUES (?, ?, ?)",
		key, s.now().UTC().Format(time.RFC3339Nano), timings,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", key, err)
	}

	if _, err := tx.Exec("DELETE FROM turns WHERE session_key = ?", key); err != nil {
		return fmt.Errorf("failed to clear previous turns for %s: %w", key, err)
	}

	for i, turn := range turns {
		_, err := tx.Exec(
			"INSERT INTO turns (session_key, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
			key, i, turn.Role, turn.Content, turn.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to save turn %d of %s: %w", i, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", key, err)
	}
	return nil
}

// Load returns the transcript and timings stored under key. An absent key
// yields an empty transcript and empty timings with a nil error.
func (s *SQLiteStore) Load(key string) ([]session.Turn, string, error) {
	var timings string
	err := s.db.QueryRow("SELECT timings FROM sessions WHERE key = ?", key).Scan(&timings)
	if err == sql.ErrNoRows {
		return []session.Turn{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load session %s: %w", key, err)
	}

	rows, err := s.db.Query(
		"SELECT role, content, created_at FROM turns WHERE session_key = ? ORDER BY seq",
		key,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load turns for %s: %w", key, err)
	}
	defer rows.Close()

	turns := []session.Turn{}
	for rows.Next() {
		var turn session.Turn
		var createdAt string
		if err := rows.Scan(&turn.Role, &turn.Content, &createdAt); err != nil {
			return nil, "", fmt.Errorf("failed to scan turn: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			turn.Timestamp = ts
		}
		turns = append(turns, turn)
	}
	return turns, timings, rows.Err()
}

// Delete removes the entry at key. Deleting an absent key is a no-op.
func (s *SQLiteStore) Delete(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM turns WHERE session_key = ?", key); err != nil {
		return fmt.Errorf("failed to delete turns for %s: %w", key, err)
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", key, err)
	}
	return nil
}

// PurgeOlderThan removes every session whose save timestamp is at least
// maxAgeDays old. The boundary is inclusive: an entry saved exactly
// maxAgeDays ago is purged. An entry with a missing or unparsable timestamp
// is purged too, on the theory that ambiguous data should not be retained
// indefinitely.
func (s *SQLiteStore) PurgeOlderThan(maxAgeDays int) error {
	cutoff := s.now().UTC().AddDate(0, 0, -maxAgeDays)

	rows, err := s.db.Query("SELECT key, saved_at FROM sessions")
	if err != nil {
		return fmt.Errorf("failed to scan sessions for purge: %w", err)
	}

	var stale []string
	for rows.Next() {
		var key string
		var savedAt sql.NullString
		if err := rows.Scan(&key, &savedAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan session for purge: %w", err)
		}
		if !savedAt.Valid || savedAt.String == "" {
			stale = append(stale, key)
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, savedAt.String)
		if err != nil {
			stale = append(stale, key)
			continue
		}
		if !ts.After(cutoff) {
			stale = append(stale, key)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, key := range stale {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
