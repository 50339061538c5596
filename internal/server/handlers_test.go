package server

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/cache"
	"github.com/portfolium/portfolium/internal/config"
	"github.com/portfolium/portfolium/internal/dashboard"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/refresh"
	"github.com/portfolium/portfolium/internal/statestore"
)

type stubBatchBackend struct{}

func (stubBatchBackend) DashboardBatch(ctx context.Context, portfolioID string, widgets []string, includeSold bool) (*api.BatchPayload, error) {
	return &api.BatchPayload{
		PortfolioID: portfolioID,
		Positions:   []api.Position{{AssetID: "AAPL", Symbol: "AAPL", Quantity: 10, Price: 100, CostBasis: 900, MarketValue: 1000, UnrealizedPnL: 100}},
	}, nil
}

func (stubBatchBackend) PricesBatch(ctx context.Context, portfolioID string) ([]api.PriceQuote, error) {
	return []api.PriceQuote{{AssetID: "AAPL", Price: 101}}, nil
}

type stubLayoutBackend struct {
	mu      sync.Mutex
	layouts []layout.SavedLayout
}

func (s *stubLayoutBackend) ListLayouts(ctx context.Context) ([]layout.SavedLayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]layout.SavedLayout(nil), s.layouts...), nil
}

func (s *stubLayoutBackend) CreateLayout(ctx context.Context, l layout.SavedLayout) (*layout.SavedLayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = "sl-1"
	s.layouts = append(s.layouts, l)
	return &l, nil
}

func (s *stubLayoutBackend) DeleteLayout(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.layouts[:0]
	for _, l := range s.layouts {
		if l.ID != id {
			kept = append(kept, l)
		}
	}
	s.layouts = kept
	return nil
}

type stubAPIBackend struct {
	loginErr error
	session  *api.Session
}

func (s *stubAPIBackend) Login(ctx context.Context, email, password string) (*api.Session, error) {
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	return s.session, nil
}

func (s *stubAPIBackend) Verify2FA(ctx context.Context, code string) (*api.Session, error) {
	return s.session, nil
}

func (s *stubAPIBackend) Logout() error { return nil }

func (s *stubAPIBackend) Portfolios(ctx context.Context) ([]api.Portfolio, error) {
	return []api.Portfolio{{ID: "pf-1", Name: "Main"}}, nil
}

func (s *stubAPIBackend) Health(ctx context.Context) (*api.Health, error) {
	return &api.Health{Status: "ok"}, nil
}

func (s *stubAPIBackend) Watchlist(ctx context.Context) ([]api.WatchlistItem, error) {
	return nil, nil
}

func (s *stubAPIBackend) AddWatchlist(ctx context.Context, symbol string) error    { return nil }
func (s *stubAPIBackend) RemoveWatchlist(ctx context.Context, symbol string) error { return nil }

type stubRefresher struct {
	mu           sync.Mutex
	store        statestore.Store
	refreshCalls int
	visible      []bool
}

func (s *stubRefresher) ManualRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	return nil
}

func (s *stubRefresher) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = append(s.visible, visible)
}

func (s *stubRefresher) Interval() time.Duration {
	seconds := statestore.GetInt(s.store, statestore.KeyAutoRefreshInterval, 60)
	interval := time.Duration(seconds) * time.Second
	if interval < refresh.MinInterval {
		interval = refresh.MinInterval
	}
	return interval
}

func (s *stubRefresher) Enabled() bool {
	return statestore.GetBool(s.store, statestore.KeyAutoRefreshEnabled, false)
}

type testEnv struct {
	server    *Server
	store     *statestore.MemoryStore
	refresher *stubRefresher
	backend   *stubAPIBackend
	bus       *events.Bus
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := cache.NewRepository(db)
	require.NoError(t, err)

	store := statestore.NewMemoryStore()
	require.NoError(t, store.Set(statestore.KeyUserID, "u-1"))
	bus := events.NewBus(zerolog.Nop())
	layouts := layout.NewStore(store, zerolog.Nop())
	savedLayouts := layout.NewSavedLayoutService(&stubLayoutBackend{}, layouts, bus, zerolog.Nop())
	fetcher := dashboard.NewFetcher(dashboard.FetcherConfig{
		Backend:  stubBatchBackend{},
		Cache:    repo,
		Log:      zerolog.Nop(),
		FreshFor: time.Minute,
	})
	orchestrator := dashboard.NewOrchestrator(store, layouts, fetcher, bus, zerolog.Nop())
	orchestrator.SetPortfolio("pf-1", false)

	refresher := &stubRefresher{store: store}
	backend := &stubAPIBackend{session: &api.Session{Token: "tok", UserID: "u-1"}}

	srv := New(Config{
		Log:          zerolog.Nop(),
		Config:       &config.Config{UIOrigin: "http://localhost:5173"},
		Store:        store,
		Backend:      backend,
		Orchestrator: orchestrator,
		Scheduler:    refresher,
		Layouts:      layouts,
		SavedLayouts: savedLayouts,
		Bus:          bus,
		Port:         0,
	})

	return &testEnv{server: srv, store: store, refresher: refresher, backend: backend, bus: bus}
}

func doRequest(t *testing.T, env *testEnv, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestGetDashboard(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dashboardResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "pf-1", resp.PortfolioID)
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, "AAPL", resp.Positions[0].Symbol)
	assert.Empty(t, resp.Error)
}

func TestManualRefreshEndpoint(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPost, "/api/dashboard/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.refresher.refreshCalls)
}

func TestVisibilityEndpoint(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPost, "/api/dashboard/visibility", map[string]bool{"visible": false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, env, http.MethodPost, "/api/dashboard/visibility", map[string]bool{"visible": true})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []bool{false, true}, env.refresher.visible)
}

func TestViewportChangesBreakpoint(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPost, "/api/dashboard/viewport", map[string]int{"width": 800})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Breakpoint layout.Breakpoint  `json:"breakpoint"`
		Placements []layout.Placement `json:"placements"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, layout.BreakpointMd, resp.Breakpoint)
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointMd), resp.Placements)
}

func TestGetLayoutReturnsDefaults(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodGet, "/api/layout/md", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Placements []layout.Placement `json:"placements"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointMd), resp.Placements)
}

func TestGetLayoutRejectsUnknownBreakpoint(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodGet, "/api/layout/xl", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutActiveLayoutRequiresEditingMode(t *testing.T) {
	env := setupServer(t)
	placements := []layout.Placement{{ID: "summary", W: 6, H: 3}}

	rec := doRequest(t, env, http.MethodPut, "/api/layout/lg", placements)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, env, http.MethodPut, "/api/dashboard/mode", map[string]string{"mode": "editing"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, env, http.MethodPut, "/api/layout/lg", placements)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Placements []layout.Placement `json:"placements"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, placements, resp.Placements)
}

func TestPutInactiveLayoutWritesDirectly(t *testing.T) {
	env := setupServer(t)
	placements := []layout.Placement{{ID: "chart", W: 4, H: 4}}

	// sm is not the active breakpoint, so no editing mode needed.
	rec := doRequest(t, env, http.MethodPut, "/api/layout/sm", placements)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, env, http.MethodGet, "/api/layout/sm", nil)
	var resp struct {
		Placements []layout.Placement `json:"placements"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, placements, resp.Placements)
}

func TestLayoutScopedToStoreUser(t *testing.T) {
	env := setupServer(t)
	placements := []layout.Placement{{ID: "chart", W: 8, H: 5}}

	rec := doRequest(t, env, http.MethodPut, "/api/dashboard/mode", map[string]string{"mode": "editing"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, env, http.MethodPut, "/api/layout/lg", placements)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Placements []layout.Placement `json:"placements"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, placements, resp.Placements, "save and read-back must share one user scope")

	// A user_id write (what a login does) re-scopes every layout read.
	require.NoError(t, env.store.Set(statestore.KeyUserID, "u-2"))
	rec = doRequest(t, env, http.MethodGet, "/api/layout/lg", nil)
	decodeBody(t, rec, &resp)
	assert.Equal(t, layout.DefaultPlacements(layout.BreakpointLg), resp.Placements)
}

func TestSetModeRejectsUnknown(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPut, "/api/dashboard/mode", map[string]string{"mode": "compact"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSavedLayoutRoundTrip(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPost, "/api/layouts/", map[string]string{"name": "My grid"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var saved layout.SavedLayout
	decodeBody(t, rec, &saved)
	assert.Equal(t, "sl-1", saved.ID)
	assert.Equal(t, "My grid", saved.Name)

	rec = doRequest(t, env, http.MethodGet, "/api/layouts/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []layout.SavedLayout
	decodeBody(t, rec, &list)
	require.Len(t, list, 1)

	rec = doRequest(t, env, http.MethodPost, "/api/layouts/sl-1/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, env, http.MethodDelete, "/api/layouts/sl-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAutoRefreshSettingsRoundTrip(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodGet, "/api/settings/autorefresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings autoRefreshSettings
	decodeBody(t, rec, &settings)
	assert.False(t, settings.Enabled, "auto-refresh is opt-in")
	assert.Equal(t, 60, settings.IntervalSeconds)

	enabled := true
	interval := 30
	rec = doRequest(t, env, http.MethodPut, "/api/settings/autorefresh",
		map[string]interface{}{"enabled": enabled, "interval_seconds": interval})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &settings)
	assert.True(t, settings.Enabled)
	assert.Equal(t, 30, settings.IntervalSeconds)
}

func TestAutoRefreshIntervalClamped(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPut, "/api/settings/autorefresh",
		map[string]interface{}{"interval_seconds": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var settings autoRefreshSettings
	decodeBody(t, rec, &settings)
	assert.Equal(t, int(refresh.MinInterval/time.Second), settings.IntervalSeconds)
}

func TestLoginProxiesSession(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "a@b.c", "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var session api.Session
	decodeBody(t, rec, &session)
	assert.Equal(t, "tok", session.Token)
}

func TestErrorStatusMapping(t *testing.T) {
	env := setupServer(t)
	env.backend.loginErr = api.ErrUnauthorized

	rec := doRequest(t, env, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "a@b.c", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.backend.loginErr = api.ErrOffline
	rec = doRequest(t, env, http.MethodPost, "/api/auth/login",
		map[string]string{"email": "a@b.c", "password": "hunter2"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSetActivePortfolioPersists(t *testing.T) {
	env := setupServer(t)

	rec := doRequest(t, env, http.MethodPost, "/api/portfolio/active",
		map[string]interface{}{"portfolio_id": "pf-9"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pf-9", statestore.GetString(env.store, statestore.KeyActivePortfolio, ""))
}

func TestEventsStreamDeliversPublishedEvents(t *testing.T) {
	env := setupServer(t)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)

	// First frame is the connected handshake.
	var connected bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, `"connected"`) {
			connected = true
			break
		}
	}
	require.True(t, connected)

	env.bus.Publish(events.PricesUpdated, map[string]int{"quotes": 3})

	var received bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, string(events.PricesUpdated)) {
			received = true
			break
		}
	}
	assert.True(t, received, "published event must arrive on the stream")
}
