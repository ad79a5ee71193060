package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

// errCacheCold is returned by Poll while the venue has not yet populated its
// account cache. Wait loops treat it like any other transient failure.
var errCacheCold = errors.New("position cache cold")

// PollerConfig tunes the fill-wait and close-wait loops.
type PollerConfig struct {
	Interval      time.Duration
	FillTimeout   time.Duration
	CloseTimeout  time.Duration
	FillTolerance float64
}

// DefaultPollerConfig returns the production polling parameters.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:      time.Second,
		FillTimeout:   60 * time.Second,
		CloseTimeout:  30 * time.Second,
		FillTolerance: 0.95,
	}
}

// Poller reads raw venue positions and normalizes them into
// PositionSummary snapshots. The venue only exposes account state through an
// asynchronously refreshed cache, so fills and closes are confirmed by
// polling rather than by transaction receipts.
type Poller struct {
	venue  domain.Venue
	cfg    PollerConfig
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	latest []domain.PositionSummary
	polled time.Time
}

// NewPoller creates a Poller. Zero fields in cfg fall back to
// DefaultPollerConfig.
func NewPoller(venue domain.Venue, cfg PollerConfig, logger *slog.Logger) *Poller {
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.FillTolerance <= 0 || cfg.FillTolerance > 1 {
		cfg.FillTolerance = def.FillTolerance
	}
	return &Poller{
		venue:  venue,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "poller")),
	}
}

// Config returns the effective polling configuration.
func (p *Poller) Config() PollerConfig {
	return p.cfg
}

// Poll fetches the account once and replaces the latest snapshot.
func (p *Poller) Poll(ctx context.Context, user string) ([]domain.PositionSummary, error) {
	acct, err := p.venue.GetOpenPositionsRaw(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("poller: read positions: %w", err)
	}
	if acct == nil {
		return nil, errCacheCold
	}

	now := p.now()
	open := acct.Open()
	oracles := make(map[int]*domain.OracleData, len(open))
	out := make([]domain.PositionSummary, 0, len(open))
	for _, raw := range open {
		od, seen := oracles[raw.MarketIndex]
		if !seen {
			od, err = p.venue.GetOracleData(ctx, raw.MarketIndex)
			if err != nil {
				p.logger.DebugContext(ctx, "poller: oracle read failed",
					slog.Int("market_index", raw.MarketIndex),
					slog.String("error", err.Error()),
				)
				od = nil
			}
			oracles[raw.MarketIndex] = od
		}
		out = append(out, summarize(raw, od, acct.TotalCollateral, now))
	}

	p.mu.Lock()
	p.latest = out
	p.polled = now
	p.mu.Unlock()

	return slices.Clone(out), nil
}

// Latest returns the most recent successful poll and when it was taken.
func (p *Poller) Latest() ([]domain.PositionSummary, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.latest), p.polled
}

// WaitForFill polls until a position in (marketIndex, dir) reaches the fill
// tolerance of requestedRaw. It returns (nil, nil) on timeout; only context
// cancellation is reported as an error.
func (p *Poller) WaitForFill(ctx context.Context, user string, dir domain.Direction, marketIndex int, requestedRaw int64) (*domain.PositionSummary, error) {
	var found *domain.PositionSummary
	ok, err := p.waitUntil(ctx, p.cfg.FillTimeout, user, func(positions []domain.PositionSummary) bool {
		for i := range positions {
			pos := positions[i]
			if pos.MarketIndex != marketIndex || pos.Direction != dir {
				continue
			}
			if FillReached(pos.RawBaseAmount, requestedRaw, p.cfg.FillTolerance) {
				found = &pos
				return true
			}
		}
		return false
	})
	switch {
	case err != nil:
		metrics.FillWaits.WithLabelValues("cancelled").Inc()
		return nil, err
	case !ok:
		metrics.FillWaits.WithLabelValues("timeout").Inc()
		return nil, nil
	}
	metrics.FillWaits.WithLabelValues("filled").Inc()
	return found, nil
}

// WaitForClose polls until the account has no open positions in any market.
// It returns false on timeout.
func (p *Poller) WaitForClose(ctx context.Context, user string) (bool, error) {
	return p.waitUntil(ctx, p.cfg.CloseTimeout, user, func(positions []domain.PositionSummary) bool {
		return len(positions) == 0
	})
}

// ReadPositions returns the current positions. A cold cache or failed read
// is retried every interval until CloseTimeout elapses.
func (p *Poller) ReadPositions(ctx context.Context, user string) ([]domain.PositionSummary, error) {
	positions, err := p.Poll(ctx, user)
	if err == nil {
		return positions, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ok, werr := p.waitUntil(ctx, p.cfg.CloseTimeout, user, func(ps []domain.PositionSummary) bool {
		positions = ps
		return true
	})
	if werr != nil {
		return nil, werr
	}
	if !ok {
		return nil, fmt.Errorf("poller: positions unreadable after %s: %w", p.cfg.CloseTimeout, err)
	}
	return positions, nil
}

// Run polls on the configured interval until ctx is cancelled, invoking
// onPoll after every successful poll.
func (p *Poller) Run(ctx context.Context, user string, onPoll func([]domain.PositionSummary)) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			positions, err := p.Poll(ctx, user)
			if err != nil {
				if !errors.Is(err, errCacheCold) && ctx.Err() == nil {
					metrics.PollErrors.Inc()
					p.logger.WarnContext(ctx, "poller: poll failed", slog.String("error", err.Error()))
				}
				continue
			}
			if onPoll != nil {
				onPoll(positions)
			}
		}
	}
}

// waitUntil polls every interval until done reports true, the timeout
// elapses, or ctx is cancelled. Poll failures are swallowed and retried.
func (p *Poller) waitUntil(ctx context.Context, timeout time.Duration, user string, done func([]domain.PositionSummary) bool) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			positions, err := p.Poll(ctx, user)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				if !errors.Is(err, errCacheCold) {
					metrics.PollErrors.Inc()
					p.logger.DebugContext(ctx, "poller: transient poll failure", slog.String("error", err.Error()))
				}
				continue
			}
			if done(positions) {
				return true, nil
			}
		}
	}
}

// FillReached reports whether |filledRaw| is at least tolerance x requestedRaw.
func FillReached(filledRaw, requestedRaw int64, tolerance float64) bool {
	if requestedRaw <= 0 {
		return false
	}
	if filledRaw < 0 {
		filledRaw = -filledRaw
	}
	threshold := decimal.NewFromInt(requestedRaw).Mul(decimal.NewFromFloat(tolerance))
	return decimal.NewFromInt(filledRaw).GreaterThanOrEqual(threshold)
}

// summarize converts a raw venue position into a PositionSummary. Mark price
// is preferred, then oracle price, then entry price when the venue reported
// neither.
func summarize(raw domain.RawPosition, od *domain.OracleData, collateral int64, now time.Time) domain.PositionSummary {
	base := domain.FromBaseUnits(raw.BaseAssetAmount)
	dir := domain.DirectionLong
	size := base
	if base < 0 {
		dir = domain.DirectionShort
		size = -base
	}

	entry := 0.0
	if size > 0 {
		quoteEntry := domain.FromQuoteUnits(raw.QuoteEntryAmount)
		if quoteEntry < 0 {
			quoteEntry = -quoteEntry
		}
		entry = quoteEntry / size
	}

	var oracle, mark float64
	if od != nil {
		oracle = od.Price
		mark = od.MarkPrice
	}
	price := mark
	if price <= 0 {
		price = oracle
	}
	if price <= 0 {
		price = entry
	}

	notional := size * price
	leverage := 0.0
	if c := domain.FromQuoteUnits(collateral); c > 0 {
		leverage = notional / c
	}

	return domain.PositionSummary{
		MarketIndex:      raw.MarketIndex,
		Symbol:           domain.MarketSymbol(raw.MarketIndex),
		Direction:        dir,
		Size:             size,
		EntryPrice:       entry,
		MarkPrice:        mark,
		OraclePrice:      oracle,
		PnL:              base*price + domain.FromQuoteUnits(raw.QuoteAssetAmount),
		Notional:         notional,
		Leverage:         leverage,
		LiquidationPrice: domain.FromPriceUnits(raw.LiquidationPrice),
		RawBaseAmount:    raw.BaseAssetAmount,
		ObservedAt:       now,
	}
}
