package api

import (
	"encoding/json"
	"time"
)

// Portfolio is one of the user's portfolios.
type Portfolio struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

// Position is a read-only position DTO as served by the backend. Prices and
// P&L fields are backend-computed; the client only ever overlays newer
// prices on top (see the dashboard merge).
type Position struct {
	AssetID       string  `json:"asset_id"`
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	CostBasis     float64 `json:"cost_basis"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// BatchPayload is the consolidated response for all visible widgets,
// fetched in one round trip. Widget sections are kept raw; the daemon
// passes them through to the UI untouched.
type BatchPayload struct {
	PortfolioID string                     `json:"portfolio_id"`
	Positions   []Position                 `json:"positions"`
	Widgets     map[string]json.RawMessage `json:"widgets"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// PriceQuote is one entry of the lightweight prices-only payload.
type PriceQuote struct {
	AssetID string  `json:"asset_id"`
	Price   float64 `json:"price"`
}

// Health is the backend health response: market status plus feature flags
// such as email_enabled.
type Health struct {
	Status       string          `json:"status"`
	MarketStatus string          `json:"market_status"`
	Features     map[string]bool `json:"features"`
}

// Session is the authentication state returned by login and 2FA verify.
type Session struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	Requires2FA bool   `json:"requires_2fa"`
}

// WatchlistItem is one watched symbol.
type WatchlistItem struct {
	Symbol  string    `json:"symbol"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// apiError is the backend's error envelope.
type apiError struct {
	Error string `json:"error"`
}
