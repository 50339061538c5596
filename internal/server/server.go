// Package server provides the local HTTP API the dashboard UI talks to.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/config"
	"github.com/portfolium/portfolium/internal/dashboard"
	"github.com/portfolium/portfolium/internal/database"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/statestore"
)

// Backend is the slice of the Portfolium API the HTTP handlers proxy.
// Implemented by api.Client.
type Backend interface {
	Login(ctx context.Context, email, password string) (*api.Session, error)
	Verify2FA(ctx context.Context, code string) (*api.Session, error)
	Logout() error
	Portfolios(ctx context.Context) ([]api.Portfolio, error)
	Health(ctx context.Context) (*api.Health, error)
	Watchlist(ctx context.Context) ([]api.WatchlistItem, error)
	AddWatchlist(ctx context.Context, symbol string) error
	RemoveWatchlist(ctx context.Context, symbol string) error
}

// Refresher is the scheduler surface the handlers drive.
// Implemented by refresh.Scheduler.
type Refresher interface {
	ManualRefresh(ctx context.Context) error
	SetVisible(visible bool)
	Interval() time.Duration
	Enabled() bool
}

// Config holds server configuration.
type Config struct {
	Log          zerolog.Logger
	Config       *config.Config
	Store        statestore.Store
	StateDB      *database.DB
	CacheDB      *database.DB
	Backend      Backend
	Orchestrator *dashboard.Orchestrator
	Scheduler    Refresher
	Layouts      *layout.Store
	SavedLayouts *layout.SavedLayoutService
	Bus          *events.Bus
	Port         int
	DevMode      bool
}

// Server is the daemon's HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	store          statestore.Store
	backend        Backend
	orchestrator   *dashboard.Orchestrator
	scheduler      Refresher
	layouts        *layout.Store
	savedLayouts   *layout.SavedLayoutService
	bus            *events.Bus
	systemHandlers *SystemHandlers
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		cfg:            cfg.Config,
		store:          cfg.Store,
		backend:        cfg.Backend,
		orchestrator:   cfg.Orchestrator,
		scheduler:      cfg.Scheduler,
		layouts:        cfg.Layouts,
		savedLayouts:   cfg.SavedLayouts,
		bus:            cfg.Bus,
		systemHandlers: NewSystemHandlers(cfg.Log, cfg.StateDB, cfg.CacheDB),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	// No WriteTimeout: the SSE stream holds its response open indefinitely.
	s.server = &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// Only the configured UI origin may call the daemon from a browser.
	allowedOrigins := []string{s.cfg.UIOrigin}
	if devMode {
		allowedOrigins = append(allowedOrigins, "http://localhost:*")
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// SSE stream, registered first so the timeout middleware below
		// never applies to it.
		eventsHandler := NewEventsStreamHandler(s.bus, s.log)
		r.Get("/events/stream", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/", s.handleGetDashboard)
				r.Post("/refresh", s.handleManualRefresh)
				r.Post("/visibility", s.handleVisibility)
				r.Post("/focus", s.handleFocus)
				r.Post("/viewport", s.handleViewport)
				r.Get("/mode", s.handleGetMode)
				r.Put("/mode", s.handleSetMode)
			})

			r.Route("/layout", func(r chi.Router) {
				r.Get("/{breakpoint}", s.handleGetLayout)
				r.Put("/{breakpoint}", s.handlePutLayout)
			})

			r.Route("/layouts", func(r chi.Router) {
				r.Get("/", s.handleListSavedLayouts)
				r.Post("/", s.handleSaveLayout)
				r.Post("/{id}/apply", s.handleApplySavedLayout)
				r.Delete("/{id}", s.handleDeleteSavedLayout)
			})

			r.Route("/settings", func(r chi.Router) {
				r.Get("/autorefresh", s.handleGetAutoRefresh)
				r.Put("/autorefresh", s.handlePutAutoRefresh)
			})

			r.Route("/auth", func(r chi.Router) {
				r.Post("/login", s.handleLogin)
				r.Post("/2fa", s.handleVerify2FA)
				r.Post("/logout", s.handleLogout)
			})

			r.Get("/portfolios", s.handlePortfolios)
			r.Post("/portfolio/active", s.handleSetActivePortfolio)

			r.Route("/watchlist", func(r chi.Router) {
				r.Get("/", s.handleWatchlist)
				r.Post("/", s.handleAddWatchlist)
				r.Delete("/{symbol}", s.handleRemoveWatchlist)
			})

			r.Get("/backend/health", s.handleBackendHealth)
			r.Get("/system", s.systemHandlers.HandleSystemStatus)
		})
	})
}

// Start starts the HTTP server. Blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
