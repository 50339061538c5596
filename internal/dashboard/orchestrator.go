package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/statestore"
)

// Mode is the dashboard interaction mode.
type Mode string

const (
	// ModeViewing is the default read-only mode.
	ModeViewing Mode = "viewing"
	// ModeEditing allows drag/resize; every placement change is written
	// through to the layout store immediately, there is no autosave timer.
	ModeEditing Mode = "editing"
)

// Orchestrator owns the dashboard's client-side state: mode, breakpoint,
// the active placement list, and the displayed snapshot. All mutation goes
// through its mutex; snapshot application is guarded by sequence numbers so
// out-of-order async results cannot roll the display backwards.
type Orchestrator struct {
	layouts *layout.Store
	fetcher *Fetcher
	bus     *events.Bus
	log     zerolog.Logger

	mu          sync.Mutex
	userID      string
	portfolioID string
	includeSold bool
	mode        Mode
	breakpoint  layout.Breakpoint
	placements  []layout.Placement
	snapshot    Snapshot
	nextSeq     uint64
}

// NewOrchestrator creates the orchestrator and loads the layout for the
// initial breakpoint. The active user is read from the state store and
// tracked through it, so a login writing user_id re-scopes the dashboard
// without any extra wiring.
func NewOrchestrator(kv statestore.Store, layouts *layout.Store, fetcher *Fetcher, bus *events.Bus, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		layouts:    layouts,
		fetcher:    fetcher,
		bus:        bus,
		log:        log.With().Str("component", "dashboard").Logger(),
		mode:       ModeViewing,
		breakpoint: layout.BreakpointLg,
	}
	o.userID = statestore.GetString(kv, statestore.KeyUserID, "")
	o.placements = layouts.Load(o.breakpoint, o.userID)

	kv.Subscribe(func(key, value string) {
		if key == statestore.KeyUserID {
			o.SetUser(value)
		}
	})
	fetcher.SetOnUpdate(o.applyPayload)
	return o
}

// SetUser switches the active user and reloads the layout. Normally driven
// by user_id writes to the state store.
func (o *Orchestrator) SetUser(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.userID == userID {
		return
	}
	o.userID = userID
	o.placements = o.layouts.Load(o.breakpoint, userID)
}

// SetPortfolio switches the active portfolio. The displayed snapshot is
// cleared - positions of the old portfolio are meaningless for the new one.
func (o *Orchestrator) SetPortfolio(portfolioID string, includeSold bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.portfolioID == portfolioID && o.includeSold == includeSold {
		return
	}
	o.portfolioID = portfolioID
	o.includeSold = includeSold
	o.snapshot = Snapshot{}
}

// Portfolio returns the active portfolio id, or "" if none is selected.
func (o *Orchestrator) Portfolio() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.portfolioID
}

// SetViewportWidth derives the breakpoint from the viewport width. On a
// transition the layout for the new breakpoint is loaded from the store,
// discarding any unsaved in-memory edits of the previous one.
func (o *Orchestrator) SetViewportWidth(px int) {
	bp := layout.BreakpointForWidth(px)

	o.mu.Lock()
	defer o.mu.Unlock()
	if bp == o.breakpoint {
		return
	}

	o.log.Debug().
		Str("from", string(o.breakpoint)).
		Str("to", string(bp)).
		Msg("Breakpoint transition")
	o.breakpoint = bp
	o.placements = o.layouts.Load(bp, o.userID)
}

// ReloadLayout re-reads the active breakpoint's layout from the store. Used
// after an out-of-band layout write (saved-layout apply, direct API write).
func (o *Orchestrator) ReloadLayout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.placements = o.layouts.Load(o.breakpoint, o.userID)
}

// Breakpoint returns the active breakpoint.
func (o *Orchestrator) Breakpoint() layout.Breakpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breakpoint
}

// Mode returns the current interaction mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SetMode toggles between viewing and editing.
func (o *Orchestrator) SetMode(mode Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if mode != ModeViewing && mode != ModeEditing {
		return
	}
	o.mode = mode
}

// UpdatePlacements replaces the active placement list after a drag/resize
// and writes it through to the layout store. Only legal in editing mode.
func (o *Orchestrator) UpdatePlacements(placements []layout.Placement) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode != ModeEditing {
		o.log.Warn().Msg("Ignoring placement update outside editing mode")
		return
	}

	o.placements = placements
	o.layouts.Save(placements, o.breakpoint, o.userID)
	if o.bus != nil {
		o.bus.Publish(events.LayoutChanged, map[string]string{"breakpoint": string(o.breakpoint)})
	}
}

// Placements returns a copy of the active placement list.
func (o *Orchestrator) Placements() []layout.Placement {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]layout.Placement, len(o.placements))
	copy(out, o.placements)
	return out
}

// VisibleWidgets derives the visible widget set from the active layout.
func (o *Orchestrator) VisibleWidgets() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return layout.VisibleWidgets(o.placements)
}

// fetchParams builds the batch fetch parameters for the current state.
func (o *Orchestrator) fetchParams() FetchParams {
	o.mu.Lock()
	defer o.mu.Unlock()
	widgets := layout.VisibleWidgets(o.placements)
	return FetchParams{
		PortfolioID: o.portfolioID,
		Widgets:     widgets,
		IncludeSold: o.includeSold,
		Enabled:     o.portfolioID != "" && len(widgets) > 0,
	}
}

// Dashboard returns the current displayed snapshot, refreshing it through
// the batch fetcher first (which may be a pure cache hit). The returned
// error is the fetcher's last error for the key; the snapshot stays
// whatever was last applied successfully.
func (o *Orchestrator) Dashboard(ctx context.Context) (Snapshot, error) {
	params := o.fetchParams()
	result := o.fetcher.Get(ctx, params)
	if result.Payload != nil {
		o.applySnapshotFromPayload(params, result.Payload, result.FetchedAt)
	}

	o.mu.Lock()
	snap := o.snapshot.clone()
	o.mu.Unlock()
	return snap, result.Err
}

// RefreshBatch forces a batch refetch (manual refresh path). The fetch is
// coalesced with any in-flight one.
func (o *Orchestrator) RefreshBatch(ctx context.Context) error {
	params := o.fetchParams()
	o.fetcher.Invalidate(params)
	_, err := o.fetcher.Refetch(ctx, params)
	return err
}

// Refetch triggers a refetch for the focus/reconnect beacons without
// invalidating the cache first: if data is still fresh this is a no-op
// cache hit, matching refetch-on-focus semantics.
func (o *Orchestrator) Refetch(ctx context.Context) {
	params := o.fetchParams()
	result := o.fetcher.Get(ctx, params)
	if result.Payload != nil {
		o.applySnapshotFromPayload(params, result.Payload, result.FetchedAt)
	}
}

// ApplyQuotes overlays a prices-only payload onto the displayed snapshot
// and caches the quotes alongside the batch cache. Quotes for assets absent
// from the last batch snapshot are dropped inside the merge. No-op when no
// batch snapshot has arrived yet.
func (o *Orchestrator) ApplyQuotes(quotes []api.PriceQuote) {
	o.mu.Lock()
	if o.snapshot.FetchedAt.IsZero() {
		o.mu.Unlock()
		return
	}

	o.nextSeq++
	o.snapshot = MergeQuotes(o.snapshot, quotes, o.nextSeq)
	portfolioID := o.portfolioID
	o.mu.Unlock()

	o.fetcher.StoreQuotes(portfolioID, quotes)
	if o.bus != nil {
		o.bus.Publish(events.PricesUpdated, map[string]int{"quotes": len(quotes)})
	}
}

// applyPayload is the fetcher's success callback (runs for background
// refetches too).
func (o *Orchestrator) applyPayload(params FetchParams, payload *api.BatchPayload) {
	o.applySnapshotFromPayload(params, payload, time.Now())
	if o.bus != nil {
		o.bus.Publish(events.BatchRefreshed, map[string]string{"portfolio_id": params.PortfolioID})
	}
}

func (o *Orchestrator) applySnapshotFromPayload(params FetchParams, payload *api.BatchPayload, fetchedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A payload for a portfolio we already navigated away from is stale by
	// definition.
	if params.PortfolioID != o.portfolioID {
		return
	}
	// Identical fetch timestamp means this is the same snapshot we already
	// applied (pure cache hits take this path on every Dashboard call).
	if !o.snapshot.FetchedAt.IsZero() && !fetchedAt.After(o.snapshot.FetchedAt) {
		return
	}

	o.nextSeq++
	o.snapshot = Snapshot{
		Seq:         o.nextSeq,
		PortfolioID: payload.PortfolioID,
		Positions:   append([]api.Position(nil), payload.Positions...),
		Widgets:     payload.Widgets,
		FetchedAt:   fetchedAt,
	}

	// A batch payload served from cache can predate the last prices tick.
	// Overlay the cached quotes so a restart does not roll prices backwards.
	if quotes, storedAt := o.fetcher.CachedQuotes(o.portfolioID); storedAt.After(fetchedAt) {
		o.nextSeq++
		o.snapshot = MergeQuotes(o.snapshot, quotes, o.nextSeq)
	}
}
