package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Venue fixed-point precisions.
const (
	BasePrecision  int64 = 1_000_000_000
	PricePrecision int64 = 1_000_000
	QuotePrecision int64 = 1_000_000
)

var (
	baseScale  = decimal.NewFromInt(BasePrecision)
	priceScale = decimal.NewFromInt(PricePrecision)
	quoteScale = decimal.NewFromInt(QuotePrecision)
)

// ToBaseUnits converts a human size into venue base units, rounding to the
// nearest unit.
func ToBaseUnits(size float64) int64 {
	return decimal.NewFromFloat(size).Mul(baseScale).Round(0).IntPart()
}

// FromBaseUnits converts venue base units back into a human size.
func FromBaseUnits(raw int64) float64 {
	f, _ := decimal.NewFromInt(raw).Div(baseScale).Float64()
	return f
}

// ToPriceUnits converts a price into venue price units.
func ToPriceUnits(price float64) int64 {
	return decimal.NewFromFloat(price).Mul(priceScale).Round(0).IntPart()
}

// FromPriceUnits converts venue price units into a price.
func FromPriceUnits(raw int64) float64 {
	f, _ := decimal.NewFromInt(raw).Div(priceScale).Float64()
	return f
}

// FromQuoteUnits converts venue quote units into USD.
func FromQuoteUnits(raw int64) float64 {
	f, _ := decimal.NewFromInt(raw).Div(quoteScale).Float64()
	return f
}

// ToQuoteUnits converts USD into venue quote units.
func ToQuoteUnits(usd float64) int64 {
	return decimal.NewFromFloat(usd).Mul(quoteScale).Round(0).IntPart()
}

// ApplyBps moves price by bps basis points: up when up is true, down
// otherwise.
func ApplyBps(price float64, bps int, up bool) float64 {
	factor := decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(10_000))
	if !up {
		factor = factor.Neg()
	}
	out, _ := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(1).Add(factor)).Float64()
	return out
}

// ParseExpoPrice decodes a feed price given as an integer mantissa and a
// base-10 exponent, e.g. ("15023", -4) -> 1.5023.
func ParseExpoPrice(mantissa string, expo int32) (float64, error) {
	m, err := decimal.NewFromString(mantissa)
	if err != nil {
		return 0, fmt.Errorf("domain: parse price mantissa %q: %w", mantissa, err)
	}
	f, _ := m.Shift(expo).Float64()
	return f, nil
}

var marketSymbols = map[int]string{
	0: "SOL-PERP",
	1: "BTC-PERP",
	2: "ETH-PERP",
}

// MarketSymbol returns the display symbol for a perp market index.
func MarketSymbol(index int) string {
	if s, ok := marketSymbols[index]; ok {
		return s
	}
	return fmt.Sprintf("PERP-%d", index)
}
