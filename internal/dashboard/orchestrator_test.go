package dashboard

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/cache"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/statestore"
)

func setupOrchestrator(t *testing.T, backend Backend) (*Orchestrator, statestore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := cache.NewRepository(db)
	require.NoError(t, err)

	kv := statestore.NewMemoryStore()
	require.NoError(t, kv.Set(statestore.KeyUserID, "u-1"))
	layouts := layout.NewStore(kv, zerolog.Nop())
	fetcher := NewFetcher(FetcherConfig{
		Backend:  backend,
		Cache:    repo,
		Log:      zerolog.Nop(),
		FreshFor: time.Minute,
	})

	o := NewOrchestrator(kv, layouts, fetcher, events.NewBus(zerolog.Nop()), zerolog.Nop())
	return o, kv
}

func TestInitialStateIsViewingWithDefaults(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})

	assert.Equal(t, ModeViewing, o.Mode())
	assert.Equal(t, layout.BreakpointLg, o.Breakpoint())
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointLg), o.Placements())
}

func TestBreakpointTransitionReloadsLayout(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})

	o.SetViewportWidth(800)
	assert.Equal(t, layout.BreakpointMd, o.Breakpoint())
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointMd), o.Placements())

	o.SetViewportWidth(500)
	assert.Equal(t, layout.BreakpointSm, o.Breakpoint())

	o.SetViewportWidth(1440)
	assert.Equal(t, layout.BreakpointLg, o.Breakpoint())
}

func TestEditsPersistPerBreakpoint(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})

	edited := []layout.Placement{{ID: layout.WidgetSummary, X: 0, Y: 0, W: 6, H: 3}}
	o.SetMode(ModeEditing)
	o.UpdatePlacements(edited)

	// Switching away and back must restore the persisted edit.
	o.SetViewportWidth(800)
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointMd), o.Placements())

	o.SetViewportWidth(1440)
	assert.Equal(t, edited, o.Placements())
}

func TestUpdatePlacementsRequiresEditingMode(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})

	before := o.Placements()
	o.UpdatePlacements([]layout.Placement{{ID: "summary", W: 1, H: 1}})
	assert.Equal(t, before, o.Placements(), "viewing mode ignores placement updates")
}

func TestUserFollowsStateStore(t *testing.T) {
	o, kv := setupOrchestrator(t, &fakeBackend{})

	o.SetMode(ModeEditing)
	edited := []layout.Placement{{ID: layout.WidgetChart, W: 6, H: 6}}
	o.UpdatePlacements(edited)

	// A login writing a different user id re-scopes the active layout.
	require.NoError(t, kv.Set(statestore.KeyUserID, "u-2"))
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointLg), o.Placements())

	require.NoError(t, kv.Set(statestore.KeyUserID, "u-1"))
	assert.Equal(t, edited, o.Placements())
}

func TestVisibleWidgetsFollowLayout(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})

	o.SetMode(ModeEditing)
	o.UpdatePlacements([]layout.Placement{
		{ID: layout.WidgetChart, W: 8, H: 5},
		{ID: layout.WidgetSummary, Y: 5, W: 12, H: 2},
	})

	assert.Equal(t, []string{"chart", "summary"}, o.VisibleWidgets())
}

func TestDashboardFetchesAndAppliesSnapshot(t *testing.T) {
	backend := &fakeBackend{payload: &api.BatchPayload{
		PortfolioID: "pf-1",
		Positions:   []api.Position{{AssetID: "AAPL", Quantity: 10, Price: 100, CostBasis: 900}},
	}}
	o, _ := setupOrchestrator(t, backend)
	o.SetPortfolio("pf-1", false)

	snap, err := o.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pf-1", snap.PortfolioID)
	require.Len(t, snap.Positions, 1)
	assert.NotZero(t, snap.Seq)
}

func TestDashboardWithoutPortfolioIsEmpty(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := setupOrchestrator(t, backend)

	snap, err := o.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.PortfolioID)
	assert.Equal(t, 0, backend.batchCalls())
}

func TestApplyQuotesOverlaysPrices(t *testing.T) {
	backend := &fakeBackend{payload: &api.BatchPayload{
		PortfolioID: "pf-1",
		Positions:   []api.Position{{AssetID: "AAPL", Quantity: 10, Price: 100, CostBasis: 900}},
	}}
	o, _ := setupOrchestrator(t, backend)
	o.SetPortfolio("pf-1", false)

	snap, err := o.Dashboard(context.Background())
	require.NoError(t, err)
	seqBefore := snap.Seq

	o.ApplyQuotes([]api.PriceQuote{{AssetID: "AAPL", Price: 110}})

	snap, err = o.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap.Seq, seqBefore)
	assert.Equal(t, 110.0, snap.Positions[0].Price)
	assert.Equal(t, 1100.0, snap.Positions[0].MarketValue)
	assert.Equal(t, 200.0, snap.Positions[0].UnrealizedPnL)
}

func TestApplyQuotesBeforeFirstBatchIsNoop(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})
	o.SetPortfolio("pf-1", false)

	o.ApplyQuotes([]api.PriceQuote{{AssetID: "AAPL", Price: 110}})
	// No batch snapshot yet, nothing to overlay onto.
}

func TestCachedQuotesSurviveRestart(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := cache.NewRepository(db)
	require.NoError(t, err)

	backend := &fakeBackend{payload: &api.BatchPayload{
		PortfolioID: "pf-1",
		Positions:   []api.Position{{AssetID: "AAPL", Quantity: 10, Price: 100, CostBasis: 900}},
	}}
	kv := statestore.NewMemoryStore()
	require.NoError(t, kv.Set(statestore.KeyUserID, "u-1"))
	layouts := layout.NewStore(kv, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())

	fetcher := NewFetcher(FetcherConfig{Backend: backend, Cache: repo, Log: zerolog.Nop(), FreshFor: 10 * time.Minute})
	o := NewOrchestrator(kv, layouts, fetcher, bus, zerolog.Nop())
	o.SetPortfolio("pf-1", false)

	_, err = o.Dashboard(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, backend.batchCalls())

	// A prices tick lands after the batch entry was cached; backdate the
	// batch row so the quotes are unambiguously newer.
	o.ApplyQuotes([]api.PriceQuote{{AssetID: "AAPL", Price: 110}})
	_, err = db.Exec("UPDATE dashboard_batch SET stored_at = stored_at - 60")
	require.NoError(t, err)

	// A second orchestrator over the same cache stands in for a daemon
	// restart: the batch comes from cache, the newer quotes overlay it.
	fetcher2 := NewFetcher(FetcherConfig{Backend: backend, Cache: repo, Log: zerolog.Nop(), FreshFor: 10 * time.Minute})
	o2 := NewOrchestrator(kv, layouts, fetcher2, bus, zerolog.Nop())
	o2.SetPortfolio("pf-1", false)

	snap, err := o2.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.batchCalls(), "restart must be served from cache")
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, 110.0, snap.Positions[0].Price, "cached quotes newer than the batch must win")
	assert.Equal(t, 1100.0, snap.Positions[0].MarketValue)
}

func TestPortfolioSwitchClearsSnapshot(t *testing.T) {
	backend := &fakeBackend{payload: &api.BatchPayload{
		PortfolioID: "pf-1",
		Positions:   []api.Position{{AssetID: "AAPL", Quantity: 1}},
	}}
	o, _ := setupOrchestrator(t, backend)
	o.SetPortfolio("pf-1", false)

	_, err := o.Dashboard(context.Background())
	require.NoError(t, err)

	o.SetPortfolio("pf-2", false)
	o.mu.Lock()
	snap := o.snapshot
	o.mu.Unlock()
	assert.Empty(t, snap.Positions, "old portfolio's positions must not leak")
}

func TestStalePayloadForOtherPortfolioIsDropped(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeBackend{})
	o.SetPortfolio("pf-2", false)

	o.applySnapshotFromPayload(
		FetchParams{PortfolioID: "pf-1"},
		&api.BatchPayload{PortfolioID: "pf-1", Positions: []api.Position{{AssetID: "AAPL"}}},
		time.Now(),
	)

	o.mu.Lock()
	snap := o.snapshot
	o.mu.Unlock()
	assert.Empty(t, snap.Positions)
}

func TestRefreshBatchForcesRefetch(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := setupOrchestrator(t, backend)
	o.SetPortfolio("pf-1", false)

	_, err := o.Dashboard(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, backend.batchCalls())

	require.NoError(t, o.RefreshBatch(context.Background()))
	assert.Equal(t, 2, backend.batchCalls())
}

func TestRefetchOnFocusIsCacheHitWhenFresh(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := setupOrchestrator(t, backend)
	o.SetPortfolio("pf-1", false)

	_, err := o.Dashboard(context.Background())
	require.NoError(t, err)

	o.Refetch(context.Background())
	assert.Equal(t, 1, backend.batchCalls(), "fresh data needs no network on focus")
}
