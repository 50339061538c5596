// Package api provides the Portfolium backend REST client.
//
// All requests carry the bearer token from the state store and a request id.
// Reads are retried once after a fixed delay; mutations are never retried.
// A 401 clears the stored token and surfaces ErrUnauthorized.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/portfolium/portfolium/internal/layout"
	"github.com/portfolium/portfolium/internal/statestore"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 10 // requests per second
	retryDelay       = 1 * time.Second
)

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Store      statestore.Store
	Log        zerolog.Logger
	HTTPClient *http.Client // Optional, defaults to a 30s-timeout client
	RateLimit  rate.Limit   // Optional, defaults to 10 rps
}

// Client is the Portfolium backend API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      statestore.Store
	limiter    *rate.Limiter
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewClient creates a new backend client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		store:      cfg.Store,
		limiter:    rate.NewLimiter(limit, int(limit)),
		log:        cfg.Log.With().Str("client", "portfolium-api").Logger(),
		retryDelay: retryDelay,
	}
}

// Login authenticates with email and password. On success the token is
// persisted; when 2FA is required the intermediate token is stored and the
// caller must follow up with Verify2FA.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &session); err != nil {
		return nil, err
	}

	if err := c.storeSession(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Verify2FA completes a two-factor login. The code shape is validated
// client-side: exactly six digits, anything else is rejected without a
// network call.
func (c *Client) Verify2FA(ctx context.Context, code string) (*Session, error) {
	if len(code) != 6 {
		return nil, fmt.Errorf("%w: expected 6 digits, got %d characters", ErrInvalidCode, len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: non-digit character", ErrInvalidCode)
		}
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/2fa/verify", nil, map[string]string{"code": code}, &session); err != nil {
		return nil, err
	}

	if err := c.storeSession(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) storeSession(session *Session) error {
	if session.Token != "" {
		if err := c.store.Set(statestore.KeyAuthToken, session.Token); err != nil {
			return fmt.Errorf("failed to persist auth token: %w", err)
		}
	}
	if session.UserID != "" {
		if err := c.store.Set(statestore.KeyUserID, session.UserID); err != nil {
			return fmt.Errorf("failed to persist user id: %w", err)
		}
	}
	return nil
}

// Logout discards the stored token. Local only, the backend session expires
// on its own.
func (c *Client) Logout() error {
	return c.store.Delete(statestore.KeyAuthToken)
}

// Portfolios lists the user's portfolios.
func (c *Client) Portfolios(ctx context.Context) ([]Portfolio, error) {
	var out []Portfolio
	if err := c.getWithRetry(ctx, "/portfolios", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DashboardBatch fetches the consolidated payload for the visible widgets.
func (c *Client) DashboardBatch(ctx context.Context, portfolioID string, widgets []string, includeSold bool) (*BatchPayload, error) {
	query := url.Values{}
	query.Set("portfolioId", portfolioID)
	for _, w := range widgets {
		query.Add("widgets[]", w)
	}
	if includeSold {
		query.Set("includeSold", "true")
	}

	var out BatchPayload
	if err := c.getWithRetry(ctx, "/dashboard/batch", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PricesBatch fetches the lightweight current-prices payload.
func (c *Client) PricesBatch(ctx context.Context, portfolioID string) ([]PriceQuote, error) {
	query := url.Values{}
	query.Set("portfolioId", portfolioID)

	var out []PriceQuote
	if err := c.getWithRetry(ctx, "/prices/batch", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health fetches backend health: market status and feature flags.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getWithRetry(ctx, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watchlist lists the watched symbols.
func (c *Client) Watchlist(ctx context.Context) ([]WatchlistItem, error) {
	var out []WatchlistItem
	if err := c.getWithRetry(ctx, "/watchlist", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddWatchlist adds a symbol to the watchlist.
func (c *Client) AddWatchlist(ctx context.Context, symbol string) error {
	return c.do(ctx, http.MethodPost, "/watchlist", nil, map[string]string{"symbol": symbol}, nil)
}

// RemoveWatchlist removes a symbol from the watchlist.
func (c *Client) RemoveWatchlist(ctx context.Context, symbol string) error {
	query := url.Values{}
	query.Set("symbol", symbol)
	return c.do(ctx, http.MethodDelete, "/watchlist", query, nil, nil)
}

// ListLayouts lists the user's saved dashboard layouts.
func (c *Client) ListLayouts(ctx context.Context) ([]layout.SavedLayout, error) {
	var out []layout.SavedLayout
	if err := c.getWithRetry(ctx, "/dashboard/layouts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateLayout persists a saved layout snapshot.
func (c *Client) CreateLayout(ctx context.Context, l layout.SavedLayout) (*layout.SavedLayout, error) {
	var out layout.SavedLayout
	if err := c.do(ctx, http.MethodPost, "/dashboard/layouts", nil, l, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteLayout removes a saved layout.
func (c *Client) DeleteLayout(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/dashboard/layouts/"+url.PathEscape(id), nil, nil, nil)
}

// getWithRetry performs a GET with a single retry after a fixed delay.
// No retry when offline or unauthorized - neither gets better in a second.
func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values, out interface{}) error {
	err := c.do(ctx, http.MethodGet, path, query, nil, out)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.log.Debug().Err(err).Str("path", path).Msg("Read failed, retrying once")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.retryDelay):
	}

	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// do performs a single request. out may be nil for responses without a body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.store.Get(statestore.KeyAuthToken); err == nil && token != nil && *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Force logout: the token is dead, keeping it only produces more 401s.
		if delErr := c.store.Delete(statestore.KeyAuthToken); delErr != nil {
			c.log.Warn().Err(delErr).Msg("Failed to clear rejected auth token")
		}
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// classifyTransportError distinguishes "the network is down" from other
// transport failures so callers can skip pointless retries.
func (c *Client) classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}

	return fmt.Errorf("request failed: %w", err)
}
