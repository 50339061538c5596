// Package main is the entry point for portfoliumd, the local companion
// daemon for the Portfolium dashboard. The daemon owns everything the
// dashboard persists between sessions (layouts, auth token, auto-refresh
// settings), caches batched backend payloads, and runs the auto-refresh
// scheduler, exposing a localhost HTTP API plus an SSE stream to the UI.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/backup"
	"github.com/portfolium/portfolium/internal/cache"
	"github.com/portfolium/portfolium/internal/config"
	"github.com/portfolium/portfolium/internal/dashboard"
	"github.com/portfolium/portfolium/internal/database"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/refresh"
	"github.com/portfolium/portfolium/internal/server"
	"github.com/portfolium/portfolium/internal/statestore"
	"github.com/portfolium/portfolium/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting portfoliumd")

	// Two databases: durable state (layouts, settings, auth token) and the
	// ephemeral payload cache. Separate files so the cache can run with
	// synchronous=OFF and be deleted without losing any state.
	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer stateDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	store, err := statestore.NewSQLiteStore(stateDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize state store")
	}

	cacheRepo, err := cache.NewRepository(cacheDB.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache repository")
	}

	bus := events.NewBus(log)

	apiClient := api.NewClient(api.Config{
		BaseURL: cfg.BackendURL,
		Store:   store,
		Log:     log,
	})

	layouts := layout.NewStore(store, log)
	savedLayouts := layout.NewSavedLayoutService(apiClient, layouts, bus, log)

	fetcher := dashboard.NewFetcher(dashboard.FetcherConfig{
		Backend: apiClient,
		Cache:   cacheRepo,
		Log:     log,
	})
	// The orchestrator picks the user up from the state store, both the one
	// persisted by the previous run and any later login.
	orchestrator := dashboard.NewOrchestrator(store, layouts, fetcher, bus, log)

	if portfolioID := statestore.GetString(store, statestore.KeyActivePortfolio, ""); portfolioID != "" {
		orchestrator.SetPortfolio(portfolioID, false)
	}

	scheduler := refresh.NewScheduler(refresh.SchedulerConfig{
		Store:   store,
		Backend: apiClient,
		Target:  orchestrator,
		Bus:     bus,
		Log:     log,
	})
	scheduler.Start()
	defer scheduler.Stop()

	// Background jobs: daily cache cleanup, nightly cloud backup (opt-in).
	jobs := cron.New()
	cleanupJob := cache.NewCleanupJob(cacheRepo, log)
	if _, err := jobs.AddFunc("30 4 * * *", func() {
		if err := cleanupJob.Run(); err != nil {
			log.Error().Err(err).Str("job", cleanupJob.Name()).Msg("Job failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule cache cleanup")
	}

	if cfg.Backup != nil && cfg.Backup.Enabled {
		s3Client, err := backup.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup client")
		}
		backupService := backup.NewService(s3Client, cfg.DataDir, []*database.DB{stateDB, cacheDB}, log)
		backupJob := backup.NewJob(backupService, cfg.Backup.RetentionDays, log)
		if _, err := jobs.AddFunc("0 3 * * *", func() {
			if err := backupJob.Run(); err != nil {
				log.Error().Err(err).Str("job", backupJob.Name()).Msg("Job failed")
			}
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backup")
		}
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Cloud backup enabled")
	}

	jobs.Start()
	defer jobs.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Config:       cfg,
		Store:        store,
		StateDB:      stateDB,
		CacheDB:      cacheDB,
		Backend:      apiClient,
		Orchestrator: orchestrator,
		Scheduler:    scheduler,
		Layouts:      layouts,
		SavedLayouts: savedLayouts,
		Bus:          bus,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("portfoliumd started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// WAL checkpoint before close so the next startup replays nothing.
	if err := stateDB.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("State database checkpoint failed")
	}

	log.Info().Msg("portfoliumd stopped")
}
