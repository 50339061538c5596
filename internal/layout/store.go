package layout

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/portfolium/portfolium/internal/statestore"
)

// Store persists the active layout per breakpoint and user in the state
// store. Loads never fail: absent or corrupt data degrades to the built-in
// defaults, and saves swallow storage errors after logging them. The UI has
// no useful way to react to either.
type Store struct {
	kv  statestore.Store
	log zerolog.Logger
}

// NewStore creates a layout store on top of the given state store.
func NewStore(kv statestore.Store, log zerolog.Logger) *Store {
	return &Store{
		kv:  kv,
		log: log.With().Str("component", "layout_store").Logger(),
	}
}

// storageKey scopes a layout to breakpoint and user.
func storageKey(bp Breakpoint, userID string) string {
	return fmt.Sprintf("dashboardLayout:%s:%s", bp, userID)
}

// Load returns the persisted placement list for a breakpoint and user, or
// the built-in default if absent or unparsable. Individual malformed entries
// are dropped; a list where no entry survives degrades to the default. An
// explicitly saved empty list is a valid layout (every widget hidden) and
// loads back as such.
func (s *Store) Load(bp Breakpoint, userID string) []Placement {
	raw, err := s.kv.Get(storageKey(bp, userID))
	if err != nil || raw == nil {
		return DefaultPlacements(bp)
	}

	var placements []Placement
	if err := json.Unmarshal([]byte(*raw), &placements); err != nil {
		s.log.Warn().
			Err(err).
			Str("breakpoint", string(bp)).
			Str("user_id", userID).
			Msg("Corrupt persisted layout, using defaults")
		return DefaultPlacements(bp)
	}
	if len(placements) == 0 {
		return []Placement{}
	}

	valid := placements[:0]
	for _, p := range placements {
		if p.valid() {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return DefaultPlacements(bp)
	}
	return valid
}

// Save persists a placement list for a breakpoint and user. Side effect
// only: serialization or storage failures are logged and swallowed.
func (s *Store) Save(placements []Placement, bp Breakpoint, userID string) {
	data, err := json.Marshal(placements)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to serialize layout")
		return
	}

	if err := s.kv.Set(storageKey(bp, userID), string(data)); err != nil {
		s.log.Warn().
			Err(err).
			Str("breakpoint", string(bp)).
			Str("user_id", userID).
			Msg("Failed to persist layout")
	}
}
