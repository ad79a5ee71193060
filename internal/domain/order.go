package domain

import "time"

// Direction is the side of a perpetual position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the direction that reduces a position in d.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// DirectionSource records how a placement's direction was decided.
type DirectionSource string

const (
	DirectionExplicit         DirectionSource = "explicit"
	DirectionInferred         DirectionSource = "inferred"
	DirectionInferredFallback DirectionSource = "inferred_fallback"
)

// OrderMeta is what the trading service remembers about a placed box so it
// can close the right position later.
type OrderMeta struct {
	OrderID     string    `json:"order_id"`
	Direction   Direction `json:"direction"`
	MarketIndex int       `json:"market_index"`
	RawSize     int64     `json:"raw_size"`
	PlacedAt    time.Time `json:"placed_at"`
}

// PlaceOrderRequest is the input to TradingService.PlaceLimitOrder. Zero
// values mean "not supplied"; pointer fields distinguish an explicit zero.
type PlaceOrderRequest struct {
	OrderID     string
	TargetPrice float64
	Direction   Direction
	Size        float64
	SlippageBps *int
	MarketIndex *int
	WaitForFill *bool
}

// PlaceOrderResult is returned by PlaceLimitOrder. Position is nil when the
// caller did not wait or the fill timed out.
type PlaceOrderResult struct {
	OrderID         string           `json:"order_id"`
	Signature       string           `json:"signature"`
	Position        *PositionSummary `json:"position,omitempty"`
	Direction       Direction        `json:"direction"`
	DirectionSource DirectionSource  `json:"direction_source"`
	MarketIndex     int              `json:"market_index"`
	LimitPrice      float64          `json:"limit_price"`
	RawSize         int64            `json:"raw_size"`
	TakeProfitSig   string           `json:"take_profit_signature,omitempty"`
}

// CloseOutcome classifies how a trigger or expiry close ended.
type CloseOutcome string

const (
	CloseOutcomeClosed  CloseOutcome = "closed"
	CloseOutcomeTimeout CloseOutcome = "timeout"
	CloseOutcomeNothing CloseOutcome = "nothing_open"
	CloseOutcomeSkipped CloseOutcome = "skipped"
	CloseOutcomeFailed  CloseOutcome = "failed"
)

// CloseResult is returned by HandleTrigger and HandleExpiry.
type CloseResult struct {
	OrderID    string       `json:"order_id"`
	Outcome    CloseOutcome `json:"outcome"`
	Fallback   bool         `json:"fallback"`
	Signatures []string     `json:"signatures,omitempty"`
}

// Closed reports whether the venue confirmed the account is flat.
func (r CloseResult) Closed() bool {
	return r.Outcome == CloseOutcomeClosed || r.Outcome == CloseOutcomeNothing
}
