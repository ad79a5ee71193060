package domain

import "time"

// PositionSummary is a normalized, immutable view of one open venue
// position. A fresh slice is produced on every poll.
type PositionSummary struct {
	MarketIndex      int       `json:"market_index"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	OraclePrice      float64   `json:"oracle_price"`
	PnL              float64   `json:"pnl"`
	Notional         float64   `json:"notional"`
	Leverage         float64   `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	RawBaseAmount    int64     `json:"raw_base_amount"`
	ObservedAt       time.Time `json:"observed_at"`
}

// CurrentPrice is the price PnL is marked against.
func (p PositionSummary) CurrentPrice() float64 {
	if p.MarkPrice > 0 {
		return p.MarkPrice
	}
	return p.OraclePrice
}

// PnlSnapshot is the live PnL value fanned out to UI observers.
type PnlSnapshot struct {
	MarkPrice   float64 `json:"mark_price"`
	OraclePrice float64 `json:"oracle_price"`
	PnlUSD      float64 `json:"pnl_usd"`
	PnlPct      float64 `json:"pnl_pct"`
	HasPosition bool    `json:"has_position"`
}

// OracleData is the venue's reference price for a market. MarkPrice is zero
// when the venue did not report one.
type OracleData struct {
	MarketIndex int       `json:"market_index"`
	Price       float64   `json:"price"`
	MarkPrice   float64   `json:"mark_price"`
	Confidence  float64   `json:"confidence"`
	PublishedAt time.Time `json:"published_at"`
}

// RawPosition is a venue-native perp position record. Amounts are integers
// in venue precision: base in BasePrecision, quote in QuotePrecision, prices
// in PricePrecision. BaseAssetAmount is signed; negative means short.
type RawPosition struct {
	MarketIndex      int   `json:"market_index"`
	BaseAssetAmount  int64 `json:"base_asset_amount"`
	QuoteEntryAmount int64 `json:"quote_entry_amount"`
	QuoteAssetAmount int64 `json:"quote_asset_amount"`
	LiquidationPrice int64 `json:"liquidation_price"`
}

// RawAccount is the venue's cached view of a user account.
type RawAccount struct {
	Authority       string        `json:"authority"`
	TotalCollateral int64         `json:"total_collateral"`
	Positions       []RawPosition `json:"positions"`
}

// Open returns the positions with a non-zero base amount.
func (a RawAccount) Open() []RawPosition {
	out := make([]RawPosition, 0, len(a.Positions))
	for _, p := range a.Positions {
		if p.BaseAssetAmount != 0 {
			out = append(out, p)
		}
	}
	return out
}
