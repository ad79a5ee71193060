package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

// Fallback close policies applied when a trigger or expiry arrives for an
// order id with no stored metadata.
const (
	FallbackCloseNone   = "none"
	FallbackCloseMarket = "market"
)

// TradingConfig holds the venue-facing defaults used by TradingService.
type TradingConfig struct {
	Endpoint           string
	Credentials        domain.Credentials
	DefaultMarketIndex int
	DefaultSize        float64
	SlippageBps        int
	TakeProfitBps      int
	FallbackClose      string
	Poller             PollerConfig
}

// TradingService is the venue-facing state machine behind every box. It
// places the entry order, remembers which (market, direction) the order
// opened, and closes that exposure on trigger or expiry.
type TradingService struct {
	venue  domain.Venue
	poller *Poller
	orders *orderBook
	cfg    TradingConfig
	audit  domain.AuditStore
	now    func() time.Time
	logger *slog.Logger

	initGroup singleflight.Group
	mu        sync.RWMutex
	session   *domain.Session
}

// NewTradingService creates a TradingService over venue.
func NewTradingService(venue domain.Venue, cfg TradingConfig, logger *slog.Logger) *TradingService {
	if cfg.FallbackClose == "" {
		cfg.FallbackClose = FallbackCloseNone
	}
	return &TradingService{
		venue:  venue,
		poller: NewPoller(venue, cfg.Poller, logger),
		orders: newOrderBook(),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "trading_service")),
	}
}

// WithAudit attaches an audit store. Without one, placements and closes are
// only logged.
func (s *TradingService) WithAudit(audit domain.AuditStore) *TradingService {
	s.audit = audit
	return s
}

// Poller exposes the position poller shared by the fill and close waits.
func (s *TradingService) Poller() *Poller {
	return s.poller
}

// Initialize opens the venue session once. Concurrent callers share the
// in-flight attempt; a failed attempt is not cached, so the next call
// retries.
func (s *TradingService) Initialize(ctx context.Context) (*domain.Session, error) {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess != nil {
		return sess, nil
	}

	v, err, shared := s.initGroup.Do("session", func() (any, error) {
		s.mu.RLock()
		existing := s.session
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		sess, err := s.venue.InitializeSession(ctx, s.cfg.Credentials, s.cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.session = sess
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "trading_service: session initialized",
			slog.String("authority", sess.Authority),
			slog.String("endpoint", sess.Endpoint),
		)
		return sess, nil
	})
	if err != nil {
		return nil, fmt.Errorf("trading_service: initialize session: %w", err)
	}
	if shared {
		s.logger.DebugContext(ctx, "trading_service: joined in-flight initialization")
	}
	return v.(*domain.Session), nil
}

// PlaceLimitOrder submits the entry order for a box and records the metadata
// needed to close it. When req.WaitForFill is nil or true it blocks until the
// position reaches the fill tolerance or the fill timeout elapses; a timeout
// leaves result.Position nil and is not an error.
func (s *TradingService) PlaceLimitOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("trading_service: empty order id: %w", domain.ErrInvalidOrder)
	}

	sess, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}

	size := req.Size
	if size == 0 {
		size = s.cfg.DefaultSize
	}
	rawSize := domain.ToBaseUnits(size)
	if rawSize <= 0 {
		return nil, fmt.Errorf("trading_service: size %v: %w", size, domain.ErrInvalidOrder)
	}
	market := s.cfg.DefaultMarketIndex
	if req.MarketIndex != nil {
		market = *req.MarketIndex
	}
	slippage := s.cfg.SlippageBps
	if req.SlippageBps != nil {
		slippage = *req.SlippageBps
	}

	oracle := s.lazyOracle(market)

	dir, source, err := s.resolveDirection(ctx, req, oracle)
	if err != nil {
		return nil, err
	}

	limit := req.TargetPrice
	if limit <= 0 {
		od, err := oracle(ctx)
		if err != nil {
			return nil, fmt.Errorf("trading_service: derive limit price: %w", err)
		}
		limit = domain.ApplyBps(od.Price, slippage, dir == domain.DirectionLong)
	}

	tx, err := s.venue.SubmitNonMarketOrder(ctx, domain.NonMarketOrder{
		User:        sess.Authority,
		MarketIndex: market,
		Direction:   dir,
		BaseAmount:  rawSize,
		LimitPrice:  domain.ToPriceUnits(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("trading_service: build limit order: %w", err)
	}
	receipt, err := s.signAndSend(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.orders.Put(domain.OrderMeta{
		OrderID:     req.OrderID,
		Direction:   dir,
		MarketIndex: market,
		RawSize:     rawSize,
		PlacedAt:    s.now().UTC(),
	})
	metrics.OrdersPlaced.WithLabelValues(string(dir), string(source)).Inc()

	s.logger.InfoContext(ctx, "trading_service: limit order placed",
		slog.String("order_id", req.OrderID),
		slog.String("direction", string(dir)),
		slog.String("direction_source", string(source)),
		slog.Int("market_index", market),
		slog.Float64("limit_price", limit),
		slog.Int64("raw_size", rawSize),
		slog.String("signature", receipt.Signature),
	)
	s.writeAudit(ctx, "order_placed", map[string]any{
		"order_id":         req.OrderID,
		"direction":        string(dir),
		"direction_source": string(source),
		"market_index":     market,
		"limit_price":      limit,
		"raw_size":         rawSize,
		"signature":        receipt.Signature,
	})

	result := &domain.PlaceOrderResult{
		OrderID:         req.OrderID,
		Signature:       receipt.Signature,
		Direction:       dir,
		DirectionSource: source,
		MarketIndex:     market,
		LimitPrice:      limit,
		RawSize:         rawSize,
	}

	if req.WaitForFill != nil && !*req.WaitForFill {
		return result, nil
	}

	pos, err := s.poller.WaitForFill(ctx, sess.Authority, dir, market, rawSize)
	if err != nil {
		return result, fmt.Errorf("trading_service: wait for fill: %w", err)
	}
	if pos == nil {
		s.logger.WarnContext(ctx, "trading_service: fill not confirmed before timeout",
			slog.String("order_id", req.OrderID),
		)
		return result, nil
	}
	result.Position = pos

	if s.cfg.TakeProfitBps > 0 {
		sig, err := s.placeTakeProfit(ctx, sess.Authority, *pos, limit)
		if err != nil {
			s.logger.WarnContext(ctx, "trading_service: take-profit placement failed",
				slog.String("order_id", req.OrderID),
				slog.String("error", err.Error()),
			)
		} else {
			result.TakeProfitSig = sig
		}
	}
	return result, nil
}

// HandleTrigger closes the position opened for orderID after its box
// triggered.
func (s *TradingService) HandleTrigger(ctx context.Context, orderID string) (domain.CloseResult, error) {
	return s.closeOrder(ctx, orderID, "trigger")
}

// HandleExpiry closes the position opened for orderID after its box expired.
func (s *TradingService) HandleExpiry(ctx context.Context, orderID string) (domain.CloseResult, error) {
	return s.closeOrder(ctx, orderID, "expire")
}

// ClosePosition closes any open position in (marketIndex, dir) without
// consulting order metadata. The reconciler uses it to retry failed closes.
func (s *TradingService) ClosePosition(ctx context.Context, marketIndex int, dir domain.Direction) (domain.CloseResult, error) {
	match := func(p domain.PositionSummary) bool {
		return p.MarketIndex == marketIndex && p.Direction == dir
	}
	res, err := s.closeMatching(ctx, "", match)
	metrics.Closes.WithLabelValues("reconcile", string(res.Outcome)).Inc()
	return res, err
}

// GetOpenPositions returns the current venue positions. When the venue
// cache is still cold it returns the last successful poll.
func (s *TradingService) GetOpenPositions(ctx context.Context) ([]domain.PositionSummary, error) {
	sess, err := s.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.poller.Poll(ctx, sess.Authority)
	if errors.Is(err, errCacheCold) {
		latest, _ := s.poller.Latest()
		return latest, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trading_service: get open positions: %w", err)
	}
	return positions, nil
}

// OpenOrders returns the metadata of every order that has not been closed.
func (s *TradingService) OpenOrders() []domain.OrderMeta {
	return s.orders.Snapshot()
}

// closeOrder looks up and forgets the metadata for orderID, then closes the
// matching exposure. The metadata is deleted whatever the outcome, so a
// retry for the same id takes the fallback path.
func (s *TradingService) closeOrder(ctx context.Context, orderID, reason string) (domain.CloseResult, error) {
	meta, ok := s.orders.Get(orderID)
	defer s.orders.Delete(orderID)

	var (
		res domain.CloseResult
		err error
	)
	switch {
	case ok:
		res, err = s.closeMatching(ctx, orderID, func(p domain.PositionSummary) bool {
			return p.MarketIndex == meta.MarketIndex && p.Direction == meta.Direction
		})
	case s.cfg.FallbackClose == FallbackCloseMarket:
		s.logger.WarnContext(ctx, "trading_service: no metadata, closing every position in default market",
			slog.String("order_id", orderID),
			slog.String("reason", reason),
			slog.Int("market_index", s.cfg.DefaultMarketIndex),
		)
		market := s.cfg.DefaultMarketIndex
		res, err = s.closeMatching(ctx, orderID, func(p domain.PositionSummary) bool {
			return p.MarketIndex == market
		})
		res.Fallback = true
	default:
		s.logger.WarnContext(ctx, "trading_service: no metadata, close skipped",
			slog.String("order_id", orderID),
			slog.String("reason", reason),
		)
		res = domain.CloseResult{OrderID: orderID, Outcome: domain.CloseOutcomeSkipped, Fallback: true}
	}

	metrics.Closes.WithLabelValues(reason, string(res.Outcome)).Inc()
	detail := map[string]any{
		"order_id": orderID,
		"reason":   reason,
		"outcome":  string(res.Outcome),
		"fallback": res.Fallback,
	}
	if ok {
		detail["direction"] = string(meta.Direction)
		detail["market_index"] = meta.MarketIndex
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	s.writeAudit(ctx, "order_closed", detail)

	if err != nil {
		s.logger.ErrorContext(ctx, "trading_service: close failed",
			slog.String("order_id", orderID),
			slog.String("reason", reason),
			slog.String("outcome", string(res.Outcome)),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.InfoContext(ctx, "trading_service: close finished",
			slog.String("order_id", orderID),
			slog.String("reason", reason),
			slog.String("outcome", string(res.Outcome)),
		)
	}
	return res, err
}

// closeMatching submits a reduce-only market close for every open position
// accepted by match and waits for the account to go flat.
func (s *TradingService) closeMatching(ctx context.Context, orderID string, match func(domain.PositionSummary) bool) (domain.CloseResult, error) {
	res := domain.CloseResult{OrderID: orderID, Outcome: domain.CloseOutcomeFailed}

	sess, err := s.Initialize(ctx)
	if err != nil {
		return res, err
	}
	positions, err := s.poller.ReadPositions(ctx, sess.Authority)
	if err != nil {
		return res, fmt.Errorf("trading_service: read positions for close: %w", err)
	}

	var errs []error
	for _, p := range positions {
		if !match(p) {
			continue
		}
		raw := p.RawBaseAmount
		if raw < 0 {
			raw = -raw
		}
		tx, err := s.venue.SubmitMarketOrder(ctx, domain.MarketOrder{
			User:        sess.Authority,
			MarketIndex: p.MarketIndex,
			Direction:   p.Direction.Opposite(),
			BaseAmount:  raw,
			ReduceOnly:  true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("trading_service: build close for %s %s: %w", p.Symbol, p.Direction, err))
			continue
		}
		receipt, err := s.signAndSend(ctx, tx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Signatures = append(res.Signatures, receipt.Signature)
	}

	if len(res.Signatures) == 0 {
		if len(errs) == 0 {
			res.Outcome = domain.CloseOutcomeNothing
			return res, nil
		}
		return res, errors.Join(errs...)
	}

	closed, err := s.poller.WaitForClose(ctx, sess.Authority)
	if err != nil {
		return res, fmt.Errorf("trading_service: wait for close: %w", err)
	}
	if closed {
		res.Outcome = domain.CloseOutcomeClosed
		return res, nil
	}
	res.Outcome = domain.CloseOutcomeTimeout
	return res, errors.Join(errs...)
}

// placeTakeProfit rests a reduce-only limit order on the opposite side of a
// filled position, takeProfitBps away from its entry price.
func (s *TradingService) placeTakeProfit(ctx context.Context, user string, pos domain.PositionSummary, fallbackEntry float64) (string, error) {
	entry := pos.EntryPrice
	if entry <= 0 {
		entry = fallbackEntry
	}
	target := domain.ApplyBps(entry, s.cfg.TakeProfitBps, pos.Direction == domain.DirectionLong)
	raw := pos.RawBaseAmount
	if raw < 0 {
		raw = -raw
	}
	tx, err := s.venue.SubmitNonMarketOrder(ctx, domain.NonMarketOrder{
		User:        user,
		MarketIndex: pos.MarketIndex,
		Direction:   pos.Direction.Opposite(),
		BaseAmount:  raw,
		LimitPrice:  domain.ToPriceUnits(target),
		ReduceOnly:  true,
	})
	if err != nil {
		return "", fmt.Errorf("trading_service: build take-profit: %w", err)
	}
	receipt, err := s.signAndSend(ctx, tx)
	if err != nil {
		return "", err
	}
	return receipt.Signature, nil
}

// resolveDirection returns the explicit direction or infers one from the
// target price against the oracle. An unreadable oracle, or no target at
// all, falls back to LONG and is tagged as such.
func (s *TradingService) resolveDirection(ctx context.Context, req domain.PlaceOrderRequest, oracle func(context.Context) (*domain.OracleData, error)) (domain.Direction, domain.DirectionSource, error) {
	if req.Direction != "" {
		if !req.Direction.Valid() {
			return "", "", fmt.Errorf("trading_service: direction %q: %w", req.Direction, domain.ErrInvalidOrder)
		}
		return req.Direction, domain.DirectionExplicit, nil
	}
	if req.TargetPrice <= 0 {
		return domain.DirectionLong, domain.DirectionInferredFallback, nil
	}

	od, err := oracle(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "trading_service: oracle unavailable, defaulting to LONG",
			slog.String("order_id", req.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.DirectionLong, domain.DirectionInferredFallback, nil
	}
	if req.TargetPrice >= od.Price {
		return domain.DirectionLong, domain.DirectionInferred, nil
	}
	return domain.DirectionShort, domain.DirectionInferred, nil
}

// lazyOracle returns a reader that fetches the market's oracle data at most
// once per placement.
func (s *TradingService) lazyOracle(market int) func(context.Context) (*domain.OracleData, error) {
	var (
		od   *domain.OracleData
		err  error
		done bool
	)
	return func(ctx context.Context) (*domain.OracleData, error) {
		if done {
			return od, err
		}
		done = true
		od, err = s.venue.GetOracleData(ctx, market)
		switch {
		case err != nil:
			err = fmt.Errorf("oracle market %d: %w: %w", market, domain.ErrVenueUnavailable, err)
		case od == nil || od.Price <= 0:
			od, err = nil, fmt.Errorf("oracle market %d: no price: %w", market, domain.ErrVenueUnavailable)
		}
		return od, err
	}
}

func (s *TradingService) signAndSend(ctx context.Context, tx domain.Transaction) (domain.TxReceipt, error) {
	receipt, err := s.venue.SignAndSend(ctx, tx)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("trading_service: sign and send: %w", err)
	}
	return receipt, nil
}

func (s *TradingService) writeAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "trading_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
