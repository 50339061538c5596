package dashboard

import (
	"github.com/shopspring/decimal"

	"github.com/portfolium/portfolium/internal/api"
)

// MergeQuotes overlays newer per-asset prices onto a snapshot, returning a
// new snapshot with the given sequence number. For each matched position the
// dependent fields are recomputed:
//
//	market_value   = price × quantity
//	unrealized_pnl = market_value − cost_basis
//
// Arithmetic goes through decimals so a quote like 110.01 doesn't smear
// binary-float noise into the recomputed P&L. Quotes for assets absent from
// the snapshot are ignored: prices never create positions.
func MergeQuotes(snap Snapshot, quotes []api.PriceQuote, seq uint64) Snapshot {
	out := snap.clone()
	out.Seq = seq

	if len(quotes) == 0 || len(out.Positions) == 0 {
		return out
	}

	byAsset := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		byAsset[q.AssetID] = q.Price
	}

	for i := range out.Positions {
		pos := &out.Positions[i]
		price, ok := byAsset[pos.AssetID]
		if !ok {
			continue
		}

		priceDec := decimal.NewFromFloat(price)
		marketValue := priceDec.Mul(decimal.NewFromFloat(pos.Quantity))
		pnl := marketValue.Sub(decimal.NewFromFloat(pos.CostBasis))

		pos.Price = price
		pos.MarketValue, _ = marketValue.Float64()
		pos.UnrealizedPnL, _ = pnl.Float64()
	}

	return out
}
