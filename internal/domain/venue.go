package domain

import (
	"context"
	"encoding/json"
)

// Credentials is the key material a venue session needs.
type Credentials struct {
	PrivateKeyHex string
	Authority     string
}

// Session is an initialized venue session.
type Session struct {
	Authority string
	Endpoint  string
}

// TxKind distinguishes transactions the adapter can sign locally from
// delegated or off-chain signed flows.
type TxKind string

const (
	TxKindStandard  TxKind = "standard"
	TxKindDelegated TxKind = "delegated"
)

// Transaction is an unsigned, venue-built transaction.
type Transaction struct {
	Kind    TxKind          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// TxReceipt is returned once a transaction has been sent.
type TxReceipt struct {
	Signature string `json:"signature"`
}

// NonMarketOrder is a limit or trigger order request.
type NonMarketOrder struct {
	User        string    `json:"user"`
	MarketIndex int       `json:"market_index"`
	Direction   Direction `json:"direction"`
	BaseAmount  int64     `json:"base_amount"`
	LimitPrice  int64     `json:"limit_price"`
	ReduceOnly  bool      `json:"reduce_only"`
}

// MarketOrder is a market order request, used reduce-only for closes.
type MarketOrder struct {
	User        string    `json:"user"`
	MarketIndex int       `json:"market_index"`
	Direction   Direction `json:"direction"`
	BaseAmount  int64     `json:"base_amount"`
	ReduceOnly  bool      `json:"reduce_only"`
}

// Venue is the narrow call surface over the external perpetuals venue.
// GetOracleData and GetOpenPositionsRaw return (nil, nil) when the venue has
// no data yet.
type Venue interface {
	InitializeSession(ctx context.Context, creds Credentials, endpoint string) (*Session, error)
	GetOracleData(ctx context.Context, marketIndex int) (*OracleData, error)
	GetOpenPositionsRaw(ctx context.Context, user string) (*RawAccount, error)
	SubmitNonMarketOrder(ctx context.Context, order NonMarketOrder) (Transaction, error)
	SubmitMarketOrder(ctx context.Context, order MarketOrder) (Transaction, error)
	SignAndSend(ctx context.Context, tx Transaction) (TxReceipt, error)
}

// VenueStreams exposes the venue's push subscriptions. Each call returns an
// unsubscribe function that is safe to call more than once.
type VenueStreams interface {
	SubscribeMarkPrice(ctx context.Context, marketIndex int, fn func(price float64)) (func(), error)
	SubscribeOraclePrice(ctx context.Context, marketIndex int, fn func(price float64)) (func(), error)
	SubscribeAccount(ctx context.Context, user string, fn func(acct RawAccount)) (func(), error)
}

// PriceTick is one observation from the chart price feed.
type PriceTick struct {
	InstrumentID string  `json:"instrument_id"`
	Price        float64 `json:"price"`
	PublishTime  int64   `json:"publish_time"`
}
