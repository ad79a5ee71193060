// Package venue is the JSON-RPC client for the perpetuals venue gateway.
//
// The gateway speaks go-ethereum style JSON-RPC under the "venue" namespace:
//
//	venue_authenticate(authority, timestamp, signature) -> SessionWire
//	venue_getOracleData(marketIndex)                     -> OracleWire | null
//	venue_getUserAccount(authority)                      -> RawAccount | null
//	venue_buildPlaceOrder(NonMarketOrder)                -> Transaction
//	venue_buildMarketOrder(MarketOrder)                  -> Transaction
//	venue_sendTransaction(kind, payload, signature)      -> signature
//
// and exposes the markPrice, oraclePrice and account subscriptions over
// venue_subscribe. Prices travel as integers in PricePrecision.
package venue

import (
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// Namespace is the RPC service name.
const Namespace = "venue"

// Subscription names.
const (
	SubMarkPrice   = "markPrice"
	SubOraclePrice = "oraclePrice"
	SubAccount     = "account"
)

// SessionWire is the venue_authenticate result.
type SessionWire struct {
	Authority string `json:"authority"`
	Signer    string `json:"signer"`
}

// OracleWire is the venue_getOracleData result.
type OracleWire struct {
	MarketIndex int   `json:"marketIndex"`
	Price       int64 `json:"price"`
	MarkPrice   int64 `json:"markPrice"`
	Confidence  int64 `json:"confidence"`
	PublishTime int64 `json:"publishTime"`
}

// ToDomain converts the wire oracle into domain units.
func (o OracleWire) ToDomain() *domain.OracleData {
	out := &domain.OracleData{
		MarketIndex: o.MarketIndex,
		Price:       domain.FromPriceUnits(o.Price),
		MarkPrice:   domain.FromPriceUnits(o.MarkPrice),
		Confidence:  domain.FromPriceUnits(o.Confidence),
	}
	if o.PublishTime > 0 {
		out.PublishedAt = time.Unix(o.PublishTime, 0)
	}
	return out
}

// OracleFromDomain converts domain oracle data for the wire.
func OracleFromDomain(od domain.OracleData) OracleWire {
	w := OracleWire{
		MarketIndex: od.MarketIndex,
		Price:       domain.ToPriceUnits(od.Price),
		MarkPrice:   domain.ToPriceUnits(od.MarkPrice),
		Confidence:  domain.ToPriceUnits(od.Confidence),
	}
	if !od.PublishedAt.IsZero() {
		w.PublishTime = od.PublishedAt.Unix()
	}
	return w
}
