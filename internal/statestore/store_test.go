package statestore

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store
}

// Both implementations must behave identically.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestGetMissingKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			value, err := s.Get("does_not_exist")
			require.NoError(t, err)
			assert.Nil(t, value)
		})
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(KeyAuthToken, "tok-123"))

			value, err := s.Get(KeyAuthToken)
			require.NoError(t, err)
			require.NotNil(t, value)
			assert.Equal(t, "tok-123", *value)
		})
	}
}

func TestSetOverwrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("k", "v1"))
			require.NoError(t, s.Set("k", "v2"))

			value, err := s.Get("k")
			require.NoError(t, err)
			require.NotNil(t, value)
			assert.Equal(t, "v2", *value)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set("k", "v"))
			require.NoError(t, s.Delete("k"))

			value, err := s.Get("k")
			require.NoError(t, err)
			assert.Nil(t, value)

			// Deleting a missing key is not an error
			require.NoError(t, s.Delete("k"))
		})
	}
}

func TestSubscribeNotifiesOnSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var gotKey, gotValue string
			calls := 0
			unsubscribe := s.Subscribe(func(key, value string) {
				gotKey, gotValue = key, value
				calls++
			})

			require.NoError(t, s.Set(KeyAutoRefreshEnabled, "true"))
			assert.Equal(t, 1, calls)
			assert.Equal(t, KeyAutoRefreshEnabled, gotKey)
			assert.Equal(t, "true", gotValue)

			unsubscribe()
			require.NoError(t, s.Set(KeyAutoRefreshEnabled, "false"))
			assert.Equal(t, 1, calls, "unsubscribed listener must not fire")
		})
	}
}

func TestTypedGettersDefaults(t *testing.T) {
	s := NewMemoryStore()

	assert.Equal(t, "dflt", GetString(s, "missing", "dflt"))
	assert.True(t, GetBool(s, "missing", true))
	assert.Equal(t, 60, GetInt(s, "missing", 60))

	// Corrupt values degrade to the default, never error
	require.NoError(t, s.Set("n", "not-a-number"))
	assert.Equal(t, 60, GetInt(s, "n", 60))

	require.NoError(t, s.Set("t", "not-a-time"))
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fallback, GetTime(s, "t", fallback))
}

func TestTypedRoundTrips(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, SetBool(s, KeyAutoRefreshEnabled, true))
	assert.True(t, GetBool(s, KeyAutoRefreshEnabled, false))

	require.NoError(t, SetInt(s, KeyAutoRefreshInterval, 30))
	assert.Equal(t, 30, GetInt(s, KeyAutoRefreshInterval, 60))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, SetTime(s, KeyLastUpdate, now))
	assert.True(t, GetTime(s, KeyLastUpdate, time.Time{}).Equal(now))
}

func TestGetIntParsesFloatStrings(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set(KeyAutoRefreshInterval, "60.0"))
	assert.Equal(t, 60, GetInt(s, KeyAutoRefreshInterval, 5))
}
