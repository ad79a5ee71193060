package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

func newTestTrading(v *fakeVenue, mutate func(*TradingConfig)) *TradingService {
	cfg := TradingConfig{
		Endpoint:    "paper://local",
		DefaultSize: 0.1,
		SlippageBps: 50,
		Poller:      fastPoller(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewTradingService(v, cfg, testLogger())
}

func TestFillReached(t *testing.T) {
	const requested = 1_000_000_000
	tests := []struct {
		name   string
		filled int64
		want   bool
	}{
		{"exact", requested, true},
		{"at tolerance", 950_000_000, true},
		{"just below tolerance", 949_999_999, false},
		{"short side at tolerance", -950_000_000, true},
		{"nothing", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FillReached(tt.filled, requested, 0.95); got != tt.want {
				t.Fatalf("FillReached(%d) = %v, want %v", tt.filled, got, tt.want)
			}
		})
	}
	if FillReached(10, 0, 0.95) {
		t.Fatal("zero requested size must never count as filled")
	}
}

func TestPlaceLimitOrderDirection(t *testing.T) {
	tests := []struct {
		name       string
		target     float64
		explicit   domain.Direction
		oracleErr  error
		wantDir    domain.Direction
		wantSource domain.DirectionSource
	}{
		{"target above oracle", 1.5, "", nil, domain.DirectionLong, domain.DirectionInferred},
		{"target equals oracle", 1.0, "", nil, domain.DirectionLong, domain.DirectionInferred},
		{"target below oracle", 0.5, "", nil, domain.DirectionShort, domain.DirectionInferred},
		{"oracle down", 0.5, "", errors.New("rpc timeout"), domain.DirectionLong, domain.DirectionInferredFallback},
		{"explicit wins", 1.5, domain.DirectionShort, nil, domain.DirectionShort, domain.DirectionExplicit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newFakeVenue()
			v.oracleErr = tt.oracleErr
			svc := newTestTrading(v, nil)

			res, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{
				OrderID:     "box-1",
				TargetPrice: tt.target,
				Direction:   tt.explicit,
				WaitForFill: boolPtr(false),
			})
			if err != nil {
				t.Fatalf("PlaceLimitOrder: %v", err)
			}
			if res.Direction != tt.wantDir || res.DirectionSource != tt.wantSource {
				t.Fatalf("direction = %s/%s, want %s/%s", res.Direction, res.DirectionSource, tt.wantDir, tt.wantSource)
			}
			if res.LimitPrice != tt.target {
				t.Fatalf("limit price = %v, want target %v verbatim", res.LimitPrice, tt.target)
			}
			if got := svc.OpenOrders(); len(got) != 1 || got[0].Direction != tt.wantDir {
				t.Fatalf("stored metadata = %+v", got)
			}
		})
	}
}

func TestPlaceLimitOrderDerivesLimitFromOracle(t *testing.T) {
	tests := []struct {
		name string
		dir  domain.Direction
		want int64
	}{
		{"long pays up", domain.DirectionLong, 100_500_000},
		{"short sells down", domain.DirectionShort, 99_500_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newFakeVenue()
			v.oracle = &domain.OracleData{Price: 100}
			svc := newTestTrading(v, nil)

			_, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{
				OrderID:     "box-1",
				Direction:   tt.dir,
				WaitForFill: boolPtr(false),
			})
			if err != nil {
				t.Fatalf("PlaceLimitOrder: %v", err)
			}
			orders := v.nonMarketOrders()
			if len(orders) != 1 || orders[0].LimitPrice != tt.want {
				t.Fatalf("submitted = %+v, want limit %d", orders, tt.want)
			}
		})
	}
}

func TestPlaceLimitOrderNeedsOracleWithoutTarget(t *testing.T) {
	v := newFakeVenue()
	v.oracleErr = errors.New("oracle stale")
	svc := newTestTrading(v, nil)

	_, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{
		OrderID:   "box-1",
		Direction: domain.DirectionLong,
	})
	if !errors.Is(err, domain.ErrVenueUnavailable) {
		t.Fatalf("err = %v, want ErrVenueUnavailable", err)
	}
	if len(svc.OpenOrders()) != 0 {
		t.Fatal("metadata recorded for a failed placement")
	}
}

func TestPlaceLimitOrderRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  domain.PlaceOrderRequest
	}{
		{"missing id", domain.PlaceOrderRequest{TargetPrice: 1}},
		{"bad direction", domain.PlaceOrderRequest{OrderID: "x", TargetPrice: 1, Direction: "SIDEWAYS"}},
		{"negative size", domain.PlaceOrderRequest{OrderID: "x", TargetPrice: 1, Size: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestTrading(newFakeVenue(), nil)
			if _, err := svc.PlaceLimitOrder(context.Background(), tt.req); !errors.Is(err, domain.ErrInvalidOrder) {
				t.Fatalf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestPlaceLimitOrderWaitsForFill(t *testing.T) {
	v := newFakeVenue()
	v.fillRatio = 0.96
	svc := newTestTrading(v, nil)

	res, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{
		OrderID:     "box-1",
		TargetPrice: 1.5,
		Size:        1,
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if res.Position == nil {
		t.Fatal("expected a filled position")
	}
	if res.Position.Direction != domain.DirectionLong || res.Position.RawBaseAmount != 960_000_000 {
		t.Fatalf("position = %+v", res.Position)
	}
}

func TestPlaceLimitOrderFillTimeoutReturnsNilPosition(t *testing.T) {
	v := newFakeVenue()
	v.fillRatio = 0.9
	svc := newTestTrading(v, nil)

	res, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{
		OrderID:     "box-1",
		TargetPrice: 1.5,
		Size:        1,
	})
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if res.Position != nil {
		t.Fatalf("position = %+v, want nil below tolerance", res.Position)
	}
	if res.Signature == "" {
		t.Fatal("signature should be reported even without a fill")
	}
}

func TestPlaceLimitOrderTakeProfit(t *testing.T) {
	v := newFakeVenue()
	svc := newTestTrading(v, func(c *TradingConfig) { c.TakeProfitBps = 100 })

	res, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{
		OrderID:     "box-1",
		TargetPrice: 2,
		Size:        1,
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if res.TakeProfitSig == "" {
		t.Fatal("expected a take-profit signature")
	}
	orders := v.nonMarketOrders()
	if len(orders) != 2 {
		t.Fatalf("submitted %d non-market orders, want entry + take-profit", len(orders))
	}
	tp := orders[1]
	if !tp.ReduceOnly || tp.Direction != domain.DirectionShort || tp.LimitPrice != 2_020_000 {
		t.Fatalf("take-profit = %+v", tp)
	}
}

func TestUnsupportedTransactionTypeIsFatal(t *testing.T) {
	v := newFakeVenue()
	v.signErr = domain.ErrUnsupportedTransactionType
	svc := newTestTrading(v, nil)

	_, err := svc.PlaceLimitOrder(context.Background(), domain.PlaceOrderRequest{OrderID: "box-1", TargetPrice: 1})
	if !errors.Is(err, domain.ErrUnsupportedTransactionType) {
		t.Fatalf("err = %v, want ErrUnsupportedTransactionType", err)
	}
	if len(svc.OpenOrders()) != 0 {
		t.Fatal("metadata recorded for an unsent order")
	}
}

func TestHandleTriggerClosesAndForgets(t *testing.T) {
	v := newFakeVenue()
	audit := &memAudit{}
	svc := newTestTrading(v, nil).WithAudit(audit)
	ctx := context.Background()

	if _, err := svc.PlaceLimitOrder(ctx, domain.PlaceOrderRequest{OrderID: "box-1", TargetPrice: 1.5, Size: 1}); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	res, err := svc.HandleTrigger(ctx, "box-1")
	if err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}
	if res.Outcome != domain.CloseOutcomeClosed || res.Fallback {
		t.Fatalf("first close = %+v", res)
	}
	closes := v.marketOrders()
	if len(closes) != 1 || !closes[0].ReduceOnly || closes[0].Direction != domain.DirectionShort || closes[0].BaseAmount != 1_000_000_000 {
		t.Fatalf("close orders = %+v", closes)
	}

	again, err := svc.HandleTrigger(ctx, "box-1")
	if err != nil {
		t.Fatalf("second HandleTrigger: %v", err)
	}
	if again.Outcome != domain.CloseOutcomeSkipped || !again.Fallback {
		t.Fatalf("second close = %+v, want skipped fallback", again)
	}
	if len(v.marketOrders()) != 1 {
		t.Fatal("fallback none must not submit orders")
	}
	if n := svc.orders.Len(); n != 0 {
		t.Fatalf("order book holds %d entries after close, want 0", n)
	}

	want := []string{"order_placed", "order_closed", "order_closed"}
	got := audit.events()
	if len(got) != len(want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit events = %v, want %v", got, want)
		}
	}
}

func TestHandleTriggerRetriesColdPositionCache(t *testing.T) {
	v := newFakeVenue()
	svc := newTestTrading(v, nil)
	ctx := context.Background()

	if _, err := svc.PlaceLimitOrder(ctx, domain.PlaceOrderRequest{OrderID: "box-1", TargetPrice: 1.5, Size: 1}); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	v.mu.Lock()
	warm := v.account
	v.account = nil
	v.mu.Unlock()
	go func() {
		time.Sleep(10 * time.Millisecond)
		v.mu.Lock()
		v.account = warm
		v.mu.Unlock()
	}()

	res, err := svc.HandleTrigger(ctx, "box-1")
	if err != nil || res.Outcome != domain.CloseOutcomeClosed {
		t.Fatalf("result = %+v err = %v, want closed after the cache warms", res, err)
	}
	if len(v.marketOrders()) != 1 {
		t.Fatalf("close orders = %+v, want one", v.marketOrders())
	}
	open, err := svc.GetOpenPositions(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("open positions = %+v err = %v, want none", open, err)
	}
}

func TestHandleTriggerFailsWhenPositionsStayUnreadable(t *testing.T) {
	v := newFakeVenue()
	svc := newTestTrading(v, nil)
	ctx := context.Background()

	if _, err := svc.PlaceLimitOrder(ctx, domain.PlaceOrderRequest{OrderID: "box-1", TargetPrice: 1.5, Size: 1}); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	v.mu.Lock()
	v.account = nil
	v.mu.Unlock()

	res, err := svc.HandleTrigger(ctx, "box-1")
	if err == nil || res.Outcome != domain.CloseOutcomeFailed {
		t.Fatalf("result = %+v err = %v, want failed once the close budget runs out", res, err)
	}
	if !errors.Is(err, errCacheCold) {
		t.Fatalf("err = %v, want cold cache cause", err)
	}
	if len(v.marketOrders()) != 0 {
		t.Fatal("no close can be sent without a position read")
	}
}

func TestHandleExpiryFallbackMarket(t *testing.T) {
	v := newFakeVenue()
	v.setPositions(
		domain.RawPosition{MarketIndex: 0, BaseAssetAmount: -2_000_000_000},
		domain.RawPosition{MarketIndex: 1, BaseAssetAmount: 5_000_000},
	)
	svc := newTestTrading(v, func(c *TradingConfig) { c.FallbackClose = FallbackCloseMarket })

	res, err := svc.HandleExpiry(context.Background(), "unknown")
	if !res.Fallback {
		t.Fatalf("result = %+v, want fallback", res)
	}
	closes := v.marketOrders()
	if len(closes) != 1 || closes[0].MarketIndex != 0 || closes[0].Direction != domain.DirectionLong || closes[0].BaseAmount != 2_000_000_000 {
		t.Fatalf("close orders = %+v, want one LONG reduce on market 0", closes)
	}
	// The other market's position keeps the account from going flat.
	if res.Outcome != domain.CloseOutcomeTimeout || err != nil {
		t.Fatalf("outcome = %s err = %v, want timeout without error", res.Outcome, err)
	}
}

func TestHandleTriggerNothingOpen(t *testing.T) {
	v := newFakeVenue()
	svc := newTestTrading(v, nil)
	ctx := context.Background()

	if _, err := svc.PlaceLimitOrder(ctx, domain.PlaceOrderRequest{OrderID: "box-1", TargetPrice: 1.5, WaitForFill: boolPtr(false)}); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	v.setPositions()

	res, err := svc.HandleTrigger(ctx, "box-1")
	if err != nil || res.Outcome != domain.CloseOutcomeNothing || !res.Closed() {
		t.Fatalf("result = %+v err = %v, want nothing_open", res, err)
	}
	if len(svc.OpenOrders()) != 0 {
		t.Fatal("metadata must be forgotten")
	}
}

func TestHandleTriggerCloseTimeout(t *testing.T) {
	v := newFakeVenue()
	v.closeWorks = false
	svc := newTestTrading(v, nil)
	ctx := context.Background()

	if _, err := svc.PlaceLimitOrder(ctx, domain.PlaceOrderRequest{OrderID: "box-1", TargetPrice: 1.5}); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	res, err := svc.HandleTrigger(ctx, "box-1")
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if res.Outcome != domain.CloseOutcomeTimeout || res.Closed() {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if len(svc.OpenOrders()) != 0 {
		t.Fatal("metadata must be forgotten even when the close timed out")
	}
}

func TestInitializeCoalescesConcurrentCallers(t *testing.T) {
	v := newFakeVenue()
	v.initGate = make(chan struct{})
	svc := newTestTrading(v, nil)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Initialize(context.Background())
			errs <- err
		}()
	}
	for v.initCalls.Load() == 0 {
		runtime.Gosched()
	}
	close(v.initGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}
	if n := v.initCalls.Load(); n != 1 {
		t.Fatalf("venue initialized %d times, want 1", n)
	}
}

func TestInitializeRetriesAfterFailure(t *testing.T) {
	v := newFakeVenue()
	v.initErr = domain.ErrConfiguration
	svc := newTestTrading(v, nil)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}

	v.mu.Lock()
	v.initErr = nil
	v.mu.Unlock()

	sess, err := svc.Initialize(ctx)
	if err != nil || sess.Authority != "user-1" {
		t.Fatalf("retry: sess=%+v err=%v", sess, err)
	}
	if _, err := svc.Initialize(ctx); err != nil {
		t.Fatalf("cached: %v", err)
	}
	if n := v.initCalls.Load(); n != 2 {
		t.Fatalf("venue initialized %d times, want 2", n)
	}
}

func TestGetOpenPositionsColdCache(t *testing.T) {
	v := newFakeVenue()
	v.setPositions(domain.RawPosition{MarketIndex: 0, BaseAssetAmount: 1_000_000_000, QuoteEntryAmount: -1_500_000})
	svc := newTestTrading(v, nil)
	ctx := context.Background()

	got, err := svc.GetOpenPositions(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("warm: got %+v err %v", got, err)
	}
	if got[0].EntryPrice != 1.5 || got[0].Symbol != "SOL-PERP" {
		t.Fatalf("summary = %+v", got[0])
	}

	v.mu.Lock()
	v.account = nil
	v.mu.Unlock()

	cold, err := svc.GetOpenPositions(ctx)
	if err != nil || len(cold) != 1 {
		t.Fatalf("cold: got %+v err %v, want last poll", cold, err)
	}
}
