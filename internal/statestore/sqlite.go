package statestore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore is the durable Store implementation backed by the state
// database's settings table.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[int]func(key, value string)
	next int
}

// NewSQLiteStore creates the store and ensures the settings table exists.
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}
	return &SQLiteStore{
		db:   db,
		log:  log.With().Str("component", "statestore").Logger(),
		subs: make(map[int]func(key, value string)),
	}, nil
}

// Get retrieves a value by key. Returns nil if the key doesn't exist.
func (s *SQLiteStore) Get(key string) (*string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts a value and notifies subscribers.
func (s *SQLiteStore) Set(key, value string) error {
	now := time.Now().Unix()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	s.notify(key, value)
	return nil
}

// Delete removes a key. Idempotent - no error if the key doesn't exist.
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Subscribe registers a change listener. The returned function unsubscribes.
func (s *SQLiteStore) Subscribe(fn func(key, value string)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SQLiteStore) notify(key, value string) {
	s.mu.RLock()
	fns := make([]func(string, string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(key, value)
	}
}
