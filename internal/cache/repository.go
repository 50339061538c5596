// Package cache provides persistent caching for backend payloads.
// Payloads are stored as msgpack blobs with a stored-at timestamp (used by
// the batch fetcher's freshness window) and an expiration timestamp (the
// retention window, after which entries are invisible and eligible for
// cleanup).
package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache tables. One row per cache key.
const (
	TableDashboardBatch = "dashboard_batch"
	TableCurrentPrices  = "current_prices"
)

// AllTables lists all cache tables for cleanup operations.
var AllTables = []string{
	TableDashboardBatch,
	TableCurrentPrices,
}

// validTables is a set for table name validation.
var validTables = func() map[string]bool {
	m := make(map[string]bool, len(AllTables))
	for _, t := range AllTables {
		m[t] = true
	}
	return m
}()

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	cache_key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at);
`

// Entry is a cache row with its storage timestamp. Callers decide freshness
// from StoredAt; expiration is enforced by the repository.
type Entry struct {
	Data     []byte
	StoredAt time.Time
}

// Decode unmarshals the entry's payload into out.
func (e *Entry) Decode(out interface{}) error {
	return msgpack.Unmarshal(e.Data, out)
}

// Repository provides cache operations over the cache database.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a cache repository and ensures all tables exist.
func NewRepository(db *sql.DB) (*Repository, error) {
	for _, table := range AllTables {
		if _, err := db.Exec(fmt.Sprintf(schemaTemplate, table, table, table)); err != nil {
			return nil, fmt.Errorf("failed to create cache table %s: %w", table, err)
		}
	}
	return &Repository{db: db}, nil
}

// validateTable ensures the table name is in our allowed list.
// This prevents SQL injection through table names.
func validateTable(table string) error {
	if !validTables[table] {
		return fmt.Errorf("invalid table name: %s", table)
	}
	return nil
}

// Store saves data with expiration = now + retention.
// Uses INSERT OR REPLACE to upsert data.
func (r *Repository) Store(table, key string, data interface{}, retention time.Duration) error {
	if err := validateTable(table); err != nil {
		return err
	}

	blob, err := msgpack.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	now := time.Now()
	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (cache_key, data, stored_at, expires_at) VALUES (?, ?, ?, ?)",
		table,
	)

	if _, err := r.db.Exec(query, key, blob, now.Unix(), now.Add(retention).Unix()); err != nil {
		return fmt.Errorf("failed to store data in %s: %w", table, err)
	}

	return nil
}

// GetIfRetained returns the entry if expires_at > now, nil otherwise.
// Returns nil, nil if the key doesn't exist or the entry is past retention.
// Use Get() to retrieve expired data as a fallback when the backend fails.
func (r *Repository) GetIfRetained(table, key string) (*Entry, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT data, stored_at FROM %s WHERE cache_key = ? AND expires_at > ?",
		table,
	)
	return r.scanEntry(r.db.QueryRow(query, key, time.Now().Unix()), table)
}

// Get returns the entry regardless of expiration status.
// Stale data is better than no data when the backend is unreachable.
// Returns nil, nil if the key doesn't exist.
func (r *Repository) Get(table, key string) (*Entry, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT data, stored_at FROM %s WHERE cache_key = ?", table)
	return r.scanEntry(r.db.QueryRow(query, key), table)
}

func (r *Repository) scanEntry(row *sql.Row, table string) (*Entry, error) {
	var data []byte
	var storedAt int64
	err := row.Scan(&data, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data from %s: %w", table, err)
	}
	return &Entry{Data: data, StoredAt: time.Unix(storedAt, 0)}, nil
}

// Delete removes a specific entry.
func (r *Repository) Delete(table, key string) error {
	if err := validateTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = ?", table)
	if _, err := r.db.Exec(query, key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	return nil
}

// DeleteExpired removes all rows where expires_at < now.
// Returns the number of rows deleted.
func (r *Repository) DeleteExpired(table string) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", table)
	result, err := r.db.Exec(query, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired from %s: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
	}

	return deleted, nil
}

// DeleteAllExpired removes all expired entries from all tables.
// Returns a map of table name to number of rows deleted.
func (r *Repository) DeleteAllExpired() (map[string]int64, error) {
	results := make(map[string]int64)

	for _, table := range AllTables {
		deleted, err := r.DeleteExpired(table)
		if err != nil {
			return results, fmt.Errorf("failed to delete expired from %s: %w", table, err)
		}
		results[table] = deleted
	}

	return results, nil
}
