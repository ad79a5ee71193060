package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// PriceSink receives accepted prices in-process (the grid controller).
type PriceSink func(price float64, at time.Time)

// priceEvent is the JSON shape published to the "prices" channel.
type priceEvent struct {
	Event        string  `json:"event"`
	InstrumentID string  `json:"instrument_id"`
	Price        float64 `json:"price"`
	PublishTime  int64   `json:"publish_time"`
	Timestamp    string  `json:"timestamp"`
}

// Fanout delivers each tick to the in-process sinks, the price cache and
// the signal bus. Cache and bus failures are logged and never block the
// sinks.
type Fanout struct {
	prices domain.PriceCache
	bus    domain.SignalBus
	sinks  []PriceSink
	logger *slog.Logger
}

// NewFanout creates a Fanout. prices and bus may be nil.
func NewFanout(prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger, sinks ...PriceSink) *Fanout {
	return &Fanout{
		prices: prices,
		bus:    bus,
		sinks:  sinks,
		logger: logger.With(slog.String("component", "price_fanout")),
	}
}

// Handle is a TickHandler.
func (f *Fanout) Handle(ctx context.Context, tick domain.PriceTick) {
	at := time.Now()
	if tick.PublishTime > 0 {
		at = time.Unix(tick.PublishTime, 0)
	}
	for _, sink := range f.sinks {
		sink(tick.Price, at)
	}

	if f.prices != nil {
		if err := f.prices.SetPrice(ctx, tick.InstrumentID, tick.Price, at); err != nil {
			f.logger.WarnContext(ctx, "price_fanout: cache write failed", slog.String("error", err.Error()))
		}
	}
	if f.bus != nil {
		payload, _ := json.Marshal(priceEvent{
			Event:        "price",
			InstrumentID: tick.InstrumentID,
			Price:        tick.Price,
			PublishTime:  tick.PublishTime,
			Timestamp:    at.UTC().Format(time.RFC3339Nano),
		})
		if err := f.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
			f.logger.WarnContext(ctx, "price_fanout: publish failed", slog.String("error", err.Error()))
		}
	}
}
