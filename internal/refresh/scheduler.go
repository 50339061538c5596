package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/events"
	"github.com/portfolium/portfolium/internal/statestore"
)

const (
	// MinInterval is the floor for the auto-refresh interval. Anything lower
	// stored in settings is clamped up to it.
	MinInterval = 5 * time.Second
	// DefaultInterval applies when no interval has been stored.
	DefaultInterval = 60 * time.Second

	// reconcileInterval bounds how long the loop sleeps before re-reading
	// settings, so an interval change applies within a couple of seconds even
	// if the subscription notification is missed.
	reconcileInterval = 2 * time.Second

	tickTimeout = 15 * time.Second
)

// Backend is the slice of the Portfolium API the scheduler needs.
type Backend interface {
	PricesBatch(ctx context.Context, portfolioID string) ([]api.PriceQuote, error)
}

// Target receives refresh results. Implemented by dashboard.Orchestrator.
type Target interface {
	Portfolio() string
	ApplyQuotes(quotes []api.PriceQuote)
	RefreshBatch(ctx context.Context) error
}

// SchedulerConfig holds scheduler construction parameters. Clock defaults to
// the wall clock when nil.
type SchedulerConfig struct {
	Store   statestore.Store
	Backend Backend
	Target  Target
	Bus     *events.Bus
	Clock   Clock
	Log     zerolog.Logger
}

// Scheduler drives the periodic prices-only refresh. The interval and the
// enabled flag live in the state store and are re-read every loop iteration;
// visibility suspends ticking entirely, and a resume past the due time fires
// immediately rather than waiting out a full interval.
type Scheduler struct {
	store   statestore.Store
	backend Backend
	target  Target
	bus     *events.Bus
	clock   Clock
	log     zerolog.Logger

	mu         sync.Mutex
	running    bool
	visible    bool
	refreshing bool
	lastTick   time.Time

	stop        chan struct{}
	notify      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewScheduler creates the auto-refresh scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	return &Scheduler{
		store:   cfg.Store,
		backend: cfg.Backend,
		target:  cfg.Target,
		bus:     cfg.Bus,
		clock:   cfg.Clock,
		log:     cfg.Log.With().Str("component", "refresh_scheduler").Logger(),
		visible: true,
		notify:  make(chan struct{}, 1),
	}
}

// Start launches the scheduler loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	s.unsubscribe = s.store.Subscribe(func(key, value string) {
		switch key {
		case statestore.KeyAutoRefreshEnabled, statestore.KeyAutoRefreshInterval, statestore.KeyActivePortfolio:
			s.wake()
		}
	})

	s.wg.Add(1)
	go s.loop()
	s.log.Info().Msg("Refresh scheduler started")
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.wg.Wait()
	s.log.Info().Msg("Refresh scheduler stopped")
}

// SetVisible suspends or resumes ticking. Resuming past the due time fires a
// tick immediately.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	s.mu.Unlock()

	if changed {
		s.log.Debug().Bool("visible", visible).Msg("Visibility changed")
		s.wake()
	}
}

// Interval returns the effective auto-refresh interval from settings,
// clamped to the minimum.
func (s *Scheduler) Interval() time.Duration {
	seconds := statestore.GetInt(s.store, statestore.KeyAutoRefreshInterval, int(DefaultInterval/time.Second))
	interval := time.Duration(seconds) * time.Second
	if interval < MinInterval {
		interval = MinInterval
	}
	return interval
}

// Enabled returns the auto-refresh enabled flag from settings. Polling is
// off until the user opts in.
func (s *Scheduler) Enabled() bool {
	return statestore.GetBool(s.store, statestore.KeyAutoRefreshEnabled, false)
}

// ManualRefresh runs the forced batch refetch and a prices fetch
// concurrently, then records a single last-update timestamp once the slower
// of the two has finished. A manual refresh while one is already in flight
// is a no-op. The periodic timer restarts from the refresh completion.
func (s *Scheduler) ManualRefresh(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		s.log.Debug().Msg("Manual refresh already in flight")
		return nil
	}
	s.refreshing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.lastTick = s.clock.Now()
		s.mu.Unlock()
		s.wake()
	}()

	var wg sync.WaitGroup
	var batchErr, pricesErr error
	var pricesApplied bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		batchErr = s.target.RefreshBatch(ctx)
	}()
	go func() {
		defer wg.Done()
		portfolioID := s.target.Portfolio()
		if portfolioID == "" {
			return
		}
		quotes, err := s.backend.PricesBatch(ctx, portfolioID)
		if err != nil {
			pricesErr = err
			return
		}
		s.target.ApplyQuotes(quotes)
		pricesApplied = true
	}()
	wg.Wait()

	if batchErr == nil || pricesApplied {
		s.recordLastUpdate()
	}
	if s.bus != nil {
		s.bus.Publish(events.RefreshCompleted, map[string]bool{
			"batch_ok":  batchErr == nil,
			"prices_ok": pricesErr == nil,
		})
	}

	if batchErr != nil {
		return batchErr
	}
	return pricesErr
}

// wake nudges the loop to re-evaluate settings and due time.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.mu.Lock()
		visible := s.visible
		lastTick := s.lastTick
		s.mu.Unlock()

		if !s.Enabled() {
			select {
			case <-s.stop:
				return
			case <-s.notify:
			}
			// Turning the flag on restarts the interval from the toggle;
			// only a visibility resume gets the catch-up tick below.
			if s.Enabled() {
				s.mu.Lock()
				s.lastTick = s.clock.Now()
				s.mu.Unlock()
			}
			continue
		}

		if !visible {
			select {
			case <-s.stop:
				return
			case <-s.notify:
			}
			continue
		}

		due := lastTick.Add(s.Interval())
		now := s.clock.Now()
		if !now.Before(due) {
			s.tick()
			continue
		}

		wait := due.Sub(now)
		if wait > reconcileInterval {
			wait = reconcileInterval
		}
		select {
		case <-s.stop:
			return
		case <-s.notify:
		case <-s.clock.After(wait):
		}
	}
}

// tick fetches current prices for the active portfolio and applies them.
// Skipped while a manual refresh is in flight; either way the timer restarts.
func (s *Scheduler) tick() {
	s.mu.Lock()
	skip := s.refreshing
	s.lastTick = s.clock.Now()
	s.mu.Unlock()
	if skip {
		return
	}

	portfolioID := s.target.Portfolio()
	if portfolioID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	quotes, err := s.backend.PricesBatch(ctx, portfolioID)
	if err != nil {
		s.log.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("Prices refresh failed")
		return
	}

	s.target.ApplyQuotes(quotes)
	s.recordLastUpdate()
	s.log.Debug().Int("quotes", len(quotes)).Msg("Prices refreshed")
}

func (s *Scheduler) recordLastUpdate() {
	if err := statestore.SetTime(s.store, statestore.KeyLastUpdate, s.clock.Now()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist last-update timestamp")
	}
}
