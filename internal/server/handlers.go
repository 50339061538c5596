package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/dashboard"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/refresh"
	"github.com/portfolium/portfolium/internal/statestore"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondError maps backend error classes onto HTTP statuses: an expired
// session is 401, an unreachable backend 503, a rejected input 400 and
// everything else a 502 since the daemon itself did not fail.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, api.ErrOffline):
		status = http.StatusServiceUnavailable
	case errors.Is(err, api.ErrInvalidCode):
		status = http.StatusBadRequest
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) userID() string {
	return statestore.GetString(s.store, statestore.KeyUserID, "")
}

// dashboardResponse wraps a snapshot with refresh metadata. Error is set when
// the last fetch failed but stale data is still being served.
type dashboardResponse struct {
	dashboard.Snapshot
	LastUpdate time.Time `json:"last_update,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// handleGetDashboard serves the current dashboard snapshot, refreshing
// through the batch fetcher (a cache hit when data is fresh).
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orchestrator.Dashboard(r.Context())

	resp := dashboardResponse{
		Snapshot:   snap,
		LastUpdate: statestore.GetTime(s.store, statestore.KeyLastUpdate, time.Time{}),
	}
	if err != nil {
		resp.Error = err.Error()
		if snap.FetchedAt.IsZero() {
			// Nothing to show at all.
			s.respondError(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManualRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ManualRefresh(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "refreshed",
		"last_update": statestore.GetTime(s.store, statestore.KeyLastUpdate, time.Time{}),
	})
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Visible bool `json:"visible"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.scheduler.SetVisible(body.Visible)
	s.respondJSON(w, http.StatusOK, map[string]bool{"visible": body.Visible})
}

// handleFocus is the window-focus beacon: a refetch that is a no-op while
// cached data is still fresh.
func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Refetch(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Width int `json:"width"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.orchestrator.SetViewportWidth(body.Width)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakpoint": s.orchestrator.Breakpoint(),
		"placements": s.orchestrator.Placements(),
	})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]dashboard.Mode{"mode": s.orchestrator.Mode()})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode dashboard.Mode `json:"mode"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Mode != dashboard.ModeViewing && body.Mode != dashboard.ModeEditing {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown mode"})
		return
	}
	s.orchestrator.SetMode(body.Mode)
	s.respondJSON(w, http.StatusOK, map[string]dashboard.Mode{"mode": body.Mode})
}

func (s *Server) breakpointParam(w http.ResponseWriter, r *http.Request) (layout.Breakpoint, bool) {
	bp := layout.Breakpoint(chi.URLParam(r, "breakpoint"))
	if !bp.Valid() {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown breakpoint"})
		return "", false
	}
	return bp, true
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	bp, ok := s.breakpointParam(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakpoint": bp,
		"placements": s.layouts.Load(bp, s.userID()),
	})
}

// handlePutLayout persists a placement list. A write to the active
// breakpoint goes through the orchestrator so edit-mode rules apply; other
// breakpoints are written directly.
func (s *Server) handlePutLayout(w http.ResponseWriter, r *http.Request) {
	bp, ok := s.breakpointParam(w, r)
	if !ok {
		return
	}
	var placements []layout.Placement
	if !s.decode(w, r, &placements) {
		return
	}

	if bp == s.orchestrator.Breakpoint() {
		if s.orchestrator.Mode() != dashboard.ModeEditing {
			s.respondJSON(w, http.StatusConflict, map[string]string{"error": "dashboard is not in editing mode"})
			return
		}
		s.orchestrator.UpdatePlacements(placements)
	} else {
		s.layouts.Save(placements, bp, s.userID())
		if s.bus != nil {
			s.bus.Publish(events.LayoutChanged, map[string]string{"breakpoint": string(bp)})
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakpoint": bp,
		"placements": s.layouts.Load(bp, s.userID()),
	})
}

func (s *Server) handleListSavedLayouts(w http.ResponseWriter, r *http.Request) {
	layouts, err := s.savedLayouts.List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, layouts)
}

func (s *Server) handleSaveLayout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	saved, err := s.savedLayouts.SaveCurrent(r.Context(), body.Name, s.userID())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleApplySavedLayout(w http.ResponseWriter, r *http.Request) {
	if err := s.savedLayouts.Apply(r.Context(), chi.URLParam(r, "id"), s.userID()); err != nil {
		s.respondError(w, err)
		return
	}
	// The apply rewrote all breakpoint layouts in the store.
	s.orchestrator.ReloadLayout()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "applied",
		"placements": s.orchestrator.Placements(),
	})
}

func (s *Server) handleDeleteSavedLayout(w http.ResponseWriter, r *http.Request) {
	if err := s.savedLayouts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type autoRefreshSettings struct {
	Enabled         bool      `json:"enabled"`
	IntervalSeconds int       `json:"interval_seconds"`
	LastUpdate      time.Time `json:"last_update,omitempty"`
}

func (s *Server) handleGetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, autoRefreshSettings{
		Enabled:         s.scheduler.Enabled(),
		IntervalSeconds: int(s.scheduler.Interval() / time.Second),
		LastUpdate:      statestore.GetTime(s.store, statestore.KeyLastUpdate, time.Time{}),
	})
}

// handlePutAutoRefresh updates the auto-refresh settings. Partial updates
// are allowed; omitted fields keep their value. The interval is clamped to
// the scheduler minimum rather than rejected.
func (s *Server) handlePutAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled         *bool `json:"enabled"`
		IntervalSeconds *int  `json:"interval_seconds"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	if body.Enabled != nil {
		if err := statestore.SetBool(s.store, statestore.KeyAutoRefreshEnabled, *body.Enabled); err != nil {
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist setting"})
			return
		}
	}
	if body.IntervalSeconds != nil {
		seconds := *body.IntervalSeconds
		if minSeconds := int(refresh.MinInterval / time.Second); seconds < minSeconds {
			seconds = minSeconds
		}
		if err := statestore.SetInt(s.store, statestore.KeyAutoRefreshInterval, seconds); err != nil {
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist setting"})
			return
		}
	}

	if s.bus != nil {
		s.bus.Publish(events.SettingsChanged, map[string]interface{}{
			"enabled":          s.scheduler.Enabled(),
			"interval_seconds": int(s.scheduler.Interval() / time.Second),
		})
	}
	s.handleGetAutoRefresh(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	session, err := s.backend.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	session, err := s.backend.Verify2FA(r.Context(), body.Code)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Logout(); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handlePortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := s.backend.Portfolios(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, portfolios)
}

func (s *Server) handleSetActivePortfolio(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PortfolioID string `json:"portfolio_id"`
		IncludeSold bool   `json:"include_sold"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.PortfolioID == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "portfolio_id is required"})
		return
	}

	s.orchestrator.SetPortfolio(body.PortfolioID, body.IncludeSold)
	if err := s.store.Set(statestore.KeyActivePortfolio, body.PortfolioID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist active portfolio")
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"portfolio_id": body.PortfolioID})
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	items, err := s.backend.Watchlist(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol string `json:"symbol"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Symbol == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}

	if err := s.backend.AddWatchlist(r.Context(), body.Symbol); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"symbol": body.Symbol})
}

func (s *Server) handleRemoveWatchlist(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.RemoveWatchlist(r.Context(), chi.URLParam(r, "symbol")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.backend.Health(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, health)
}
