// Package dashboard owns the client-side dashboard state: the orchestrator
// (edit mode, breakpoint, visible widgets), the batched stale-while-revalidate
// fetcher, and the snapshot/price merge.
package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/portfolium/portfolium/internal/api"
)

// Backend is the slice of the Portfolium API the dashboard needs.
// Implemented by api.Client.
type Backend interface {
	DashboardBatch(ctx context.Context, portfolioID string, widgets []string, includeSold bool) (*api.BatchPayload, error)
	PricesBatch(ctx context.Context, portfolioID string) ([]api.PriceQuote, error)
}

// Snapshot is the displayed dashboard state at an instant: the most recent
// batch payload with the most recent per-asset prices overlaid. Seq is a
// monotonic sequence number assigned by the orchestrator; apply paths reject
// anything older than what is already displayed, which makes last-write-wins
// an explicit rule instead of an accident of response ordering.
type Snapshot struct {
	Seq         uint64                     `json:"seq"`
	PortfolioID string                     `json:"portfolio_id"`
	Positions   []api.Position             `json:"positions"`
	Widgets     map[string]json.RawMessage `json:"widgets,omitempty"`
	FetchedAt   time.Time                  `json:"fetched_at"`
}

// clone returns a deep-enough copy: positions are copied, widget sections
// are immutable raw JSON and shared.
func (s Snapshot) clone() Snapshot {
	out := s
	out.Positions = make([]api.Position, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}
