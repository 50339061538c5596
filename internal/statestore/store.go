// Package statestore provides the client-side key-value state store.
//
// The store holds everything the dashboard persists between sessions: the
// auth token, dashboard layouts, auto-refresh settings and the last-update
// timestamp. It is deliberately an interface so the SQLite-backed production
// store can be swapped for an in-memory one in tests. Writes are
// last-write-wins; subscribers are notified after each successful write,
// which is how a second client of the daemon observes a settings toggle.
package statestore

import (
	"strconv"
	"time"
)

// Well-known keys. Layout keys are composed in the layout package.
const (
	KeyAuthToken           = "auth_token"
	KeyUserID              = "user_id"
	KeyActivePortfolio     = "active_portfolio"
	KeyAutoRefreshEnabled  = "autoRefreshEnabled"
	KeyAutoRefreshInterval = "autoRefreshInterval"
	KeyLastUpdate          = "dashboardLastUpdate"
)

// Store is the persistent key-value state store.
type Store interface {
	// Get returns nil if the key doesn't exist (not an error).
	Get(key string) (*string, error)
	Set(key, value string) error
	Delete(key string) error
	// Subscribe registers fn to be called after every successful Set, on the
	// writer's goroutine. The returned function unsubscribes.
	Subscribe(fn func(key, value string)) (unsubscribe func())
}

// GetString returns the value for key, or defaultValue if absent or the read
// fails. Degrading to the default is the contract for all typed getters:
// corrupt or missing state never surfaces as an error to the caller.
func GetString(s Store, key, defaultValue string) string {
	value, err := s.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	return *value
}

// GetBool returns the value for key as a boolean. Recognizes the truthy
// values "true", "1", "yes", "on"; everything else is false.
func GetBool(s Store, key string, defaultValue bool) bool {
	value, err := s.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	switch *value {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// GetInt returns the value for key as an int. Parses via float first to
// handle "60.0" style values written by earlier clients.
func GetInt(s Store, key string, defaultValue int) int {
	value, err := s.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		return defaultValue
	}
	return int(floatVal)
}

// GetTime returns the value for key as an RFC3339 timestamp.
func GetTime(s Store, key string, defaultValue time.Time) time.Time {
	value, err := s.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	t, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return defaultValue
	}
	return t
}

// SetBool stores value as "true" or "false".
func SetBool(s Store, key string, value bool) error {
	strVal := "false"
	if value {
		strVal = "true"
	}
	return s.Set(key, strVal)
}

// SetInt stores value as its decimal string.
func SetInt(s Store, key string, value int) error {
	return s.Set(key, strconv.Itoa(value))
}

// SetTime stores value as an RFC3339 timestamp.
func SetTime(s Store, key string, value time.Time) error {
	return s.Set(key, value.Format(time.RFC3339))
}
