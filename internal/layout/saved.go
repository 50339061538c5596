package layout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/portfolium/portfolium/internal/events"
)

// SavedLayout is a named, server-persisted snapshot of all three
// breakpoints' placement lists.
type SavedLayout struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Breakpoints map[Breakpoint][]Placement `json:"breakpoints"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// Backend is the slice of the Portfolium API the saved-layout service needs.
// Implemented by api.Client.
type Backend interface {
	ListLayouts(ctx context.Context) ([]SavedLayout, error)
	CreateLayout(ctx context.Context, l SavedLayout) (*SavedLayout, error)
	DeleteLayout(ctx context.Context, id string) error
}

// SavedLayoutService manages the create/list/apply/delete lifecycle of
// saved layouts against the backend, and applies snapshots to the local
// active layout.
type SavedLayoutService struct {
	backend Backend
	store   *Store
	bus     *events.Bus
	log     zerolog.Logger
}

// NewSavedLayoutService creates a saved layout service.
func NewSavedLayoutService(backend Backend, store *Store, bus *events.Bus, log zerolog.Logger) *SavedLayoutService {
	return &SavedLayoutService{
		backend: backend,
		store:   store,
		bus:     bus,
		log:     log.With().Str("service", "saved_layouts").Logger(),
	}
}

// List returns the user's saved layouts from the backend.
func (s *SavedLayoutService) List(ctx context.Context) ([]SavedLayout, error) {
	layouts, err := s.backend.ListLayouts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved layouts: %w", err)
	}
	return layouts, nil
}

// SaveCurrent snapshots the active layout for all breakpoints under the
// given name and persists it to the backend.
func (s *SavedLayoutService) SaveCurrent(ctx context.Context, name, userID string) (*SavedLayout, error) {
	snapshot := SavedLayout{
		Name:        name,
		Breakpoints: make(map[Breakpoint][]Placement, len(Breakpoints)),
	}
	for _, bp := range Breakpoints {
		snapshot.Breakpoints[bp] = s.store.Load(bp, userID)
	}

	saved, err := s.backend.CreateLayout(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to save layout %q: %w", name, err)
	}

	s.log.Info().Str("layout_id", saved.ID).Str("name", name).Msg("Saved layout")
	return saved, nil
}

// Apply overwrites the local active layout for every breakpoint present in
// the saved snapshot and emits a layout-changed event.
func (s *SavedLayoutService) Apply(ctx context.Context, id, userID string) error {
	layouts, err := s.backend.ListLayouts(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch saved layouts: %w", err)
	}

	for _, l := range layouts {
		if l.ID != id {
			continue
		}
		for bp, placements := range l.Breakpoints {
			if !bp.Valid() {
				continue
			}
			s.store.Save(placements, bp, userID)
		}
		if s.bus != nil {
			s.bus.Publish(events.LayoutChanged, map[string]string{"layout_id": id})
		}
		s.log.Info().Str("layout_id", id).Msg("Applied saved layout")
		return nil
	}

	return fmt.Errorf("saved layout %s not found", id)
}

// Delete removes a saved layout from the backend.
func (s *SavedLayoutService) Delete(ctx context.Context, id string) error {
	if err := s.backend.DeleteLayout(ctx, id); err != nil {
		return fmt.Errorf("failed to delete saved layout %s: %w", id, err)
	}
	s.log.Info().Str("layout_id", id).Msg("Deleted saved layout")
	return nil
}
