package dashboard

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/portfolium/portfolium/internal/api"
	"github.com/portfolium/portfolium/internal/cache"
)

const (
	defaultFreshFor   = 30 * time.Second
	defaultRetainFor  = 5 * time.Minute
	backgroundTimeout = 30 * time.Second
)

// FetchParams identify one batch request. Two parameter sets with the same
// portfolio, widget set and sold flag share a cache entry.
type FetchParams struct {
	PortfolioID string
	Widgets     []string
	IncludeSold bool
	// Enabled gates all fetching: with no active portfolio or zero visible
	// widgets there is nothing worth a network call.
	Enabled bool
}

// Key is the cache key for these parameters. Widget order is irrelevant.
func (p FetchParams) Key() string {
	widgets := make([]string, len(p.Widgets))
	copy(widgets, p.Widgets)
	sort.Strings(widgets)

	key := p.PortfolioID + "|" + strings.Join(widgets, ",")
	if p.IncludeSold {
		key += "|sold"
	}
	return key
}

func (p FetchParams) fetchable() bool {
	return p.Enabled && p.PortfolioID != "" && len(p.Widgets) > 0
}

// Result is what a Get returns: the freshest payload available plus the
// last fetch error for the key, if any. A failure never clears previously
// cached data, so Payload and Err can both be set.
type Result struct {
	Payload   *api.BatchPayload
	Err       error
	Stale     bool
	FetchedAt time.Time
}

// FetcherConfig holds fetcher construction parameters. Durations default to
// the production windows when zero. Retry of failed reads lives in the api
// client, not here.
type FetcherConfig struct {
	Backend   Backend
	Cache     *cache.Repository
	Log       zerolog.Logger
	FreshFor  time.Duration
	RetainFor time.Duration
}

// Fetcher is the batched dashboard data fetcher. Stale-while-revalidate: a
// cached-but-stale payload is returned immediately while a background
// refetch runs. At most one fetch is in flight per key - concurrent
// requests for the same key coalesce onto it.
type Fetcher struct {
	backend   Backend
	cache     *cache.Repository
	log       zerolog.Logger
	freshFor  time.Duration
	retainFor time.Duration

	mu          sync.Mutex
	inflight    map[string]chan struct{}
	lastErr     map[string]error
	invalidated map[string]bool

	// onUpdate, when set, is called after every successful fetch with the
	// decoded payload. The orchestrator uses it to apply background results.
	onUpdate func(FetchParams, *api.BatchPayload)
}

// NewFetcher creates a batch fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.FreshFor == 0 {
		cfg.FreshFor = defaultFreshFor
	}
	if cfg.RetainFor == 0 {
		cfg.RetainFor = defaultRetainFor
	}

	return &Fetcher{
		backend:     cfg.Backend,
		cache:       cfg.Cache,
		log:         cfg.Log.With().Str("component", "batch_fetcher").Logger(),
		freshFor:    cfg.FreshFor,
		retainFor:   cfg.RetainFor,
		inflight:    make(map[string]chan struct{}),
		lastErr:     make(map[string]error),
		invalidated: make(map[string]bool),
	}
}

// SetOnUpdate registers the successful-fetch callback. Must be called
// before the fetcher is used.
func (f *Fetcher) SetOnUpdate(fn func(FetchParams, *api.BatchPayload)) {
	f.onUpdate = fn
}

// Get returns the best available payload for the parameters.
//
//   - disabled params: empty result, no network
//   - fresh cache hit: returned as-is
//   - stale cache hit: returned immediately, refetch triggered in background
//   - miss: synchronous fetch (with one retry); on failure the expired cache
//     entry, if any, is served as a last resort
func (f *Fetcher) Get(ctx context.Context, p FetchParams) Result {
	if !p.fetchable() {
		return Result{}
	}
	key := p.Key()

	if entry, err := f.cache.GetIfRetained(cache.TableDashboardBatch, key); err == nil && entry != nil {
		var payload api.BatchPayload
		if decodeErr := entry.Decode(&payload); decodeErr == nil {
			age := time.Since(entry.StoredAt)

			f.mu.Lock()
			stale := age > f.freshFor || f.invalidated[key]
			lastErr := f.lastErr[key]
			f.mu.Unlock()

			if !stale {
				return Result{Payload: &payload, FetchedAt: entry.StoredAt}
			}

			f.refetchBackground(p)
			return Result{Payload: &payload, Stale: true, FetchedAt: entry.StoredAt, Err: lastErr}
		}
		f.log.Warn().Str("key", key).Msg("Undecodable cache entry, refetching")
	}

	// Miss: fetch synchronously.
	payload, err := f.fetch(ctx, p)
	if err == nil {
		return Result{Payload: payload, FetchedAt: time.Now()}
	}

	// Stale data beyond the retention window is still better than a blank
	// dashboard next to the error banner.
	if entry, cacheErr := f.cache.Get(cache.TableDashboardBatch, key); cacheErr == nil && entry != nil {
		var stale api.BatchPayload
		if decodeErr := entry.Decode(&stale); decodeErr == nil {
			return Result{Payload: &stale, Stale: true, FetchedAt: entry.StoredAt, Err: err}
		}
	}

	return Result{Err: err}
}

// Refetch forces a synchronous fetch (coalescing with any in-flight one)
// regardless of freshness. Used by manual refresh and the focus/reconnect
// beacons.
func (f *Fetcher) Refetch(ctx context.Context, p FetchParams) (*api.BatchPayload, error) {
	if !p.fetchable() {
		return nil, nil
	}
	return f.fetch(ctx, p)
}

// Invalidate marks the key's cache entry stale so the next Get refetches.
func (f *Fetcher) Invalidate(p FetchParams) {
	f.mu.Lock()
	f.invalidated[p.Key()] = true
	f.mu.Unlock()
}

// LastError returns the most recent fetch error for the parameters, or nil.
func (f *Fetcher) LastError(p FetchParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr[p.Key()]
}

// refetchBackground starts a detached refetch unless one is already running.
func (f *Fetcher) refetchBackground(p FetchParams) {
	key := p.Key()

	f.mu.Lock()
	if _, running := f.inflight[key]; running {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := f.fetch(ctx, p); err != nil {
			f.log.Warn().Err(err).Str("key", key).Msg("Background refetch failed")
		}
	}()
}

// fetch performs one coalesced fetch for the key. If another fetch for the
// same key is already in flight, it waits for that one and serves its result
// from the cache instead of issuing a duplicate request.
func (f *Fetcher) fetch(ctx context.Context, p FetchParams) (*api.BatchPayload, error) {
	key := p.Key()

	f.mu.Lock()
	if done, running := f.inflight[key]; running {
		f.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return f.cachedPayload(key)
	}
	done := make(chan struct{})
	f.inflight[key] = done
	f.mu.Unlock()

	payload, err := f.backend.DashboardBatch(ctx, p.PortfolioID, p.Widgets, p.IncludeSold)

	f.mu.Lock()
	delete(f.inflight, key)
	if err != nil {
		f.lastErr[key] = err
	} else {
		delete(f.lastErr, key)
		delete(f.invalidated, key)
	}
	f.mu.Unlock()
	close(done)

	if err != nil {
		return nil, err
	}

	if storeErr := f.cache.Store(cache.TableDashboardBatch, key, payload, f.retainFor); storeErr != nil {
		f.log.Warn().Err(storeErr).Str("key", key).Msg("Failed to cache batch payload")
	}
	if f.onUpdate != nil {
		f.onUpdate(p, payload)
	}
	return payload, nil
}

// StoreQuotes caches a prices-only result under the portfolio id. The batch
// cache can outlive many price ticks, so the freshest quotes are kept
// separately and overlaid on cached batch payloads after a restart.
func (f *Fetcher) StoreQuotes(portfolioID string, quotes []api.PriceQuote) {
	if portfolioID == "" || len(quotes) == 0 {
		return
	}
	if err := f.cache.Store(cache.TableCurrentPrices, portfolioID, quotes, f.retainFor); err != nil {
		f.log.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("Failed to cache current prices")
	}
}

// CachedQuotes returns the retained quotes for the portfolio and when they
// were stored, or nil if none are retained.
func (f *Fetcher) CachedQuotes(portfolioID string) ([]api.PriceQuote, time.Time) {
	if portfolioID == "" {
		return nil, time.Time{}
	}
	entry, err := f.cache.GetIfRetained(cache.TableCurrentPrices, portfolioID)
	if err != nil || entry == nil {
		return nil, time.Time{}
	}
	var quotes []api.PriceQuote
	if err := entry.Decode(&quotes); err != nil {
		f.log.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("Undecodable cached quotes")
		return nil, time.Time{}
	}
	return quotes, entry.StoredAt
}

func (f *Fetcher) cachedPayload(key string) (*api.BatchPayload, error) {
	f.mu.Lock()
	lastErr := f.lastErr[key]
	f.mu.Unlock()
	if lastErr != nil {
		return nil, lastErr
	}

	entry, err := f.cache.Get(cache.TableDashboardBatch, key)
	if err != nil || entry == nil {
		return nil, errors.New("coalesced fetch produced no cached payload")
	}
	var payload api.BatchPayload
	if err := entry.Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
