package grid_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/eventbus"
	"github.com/alanyoungcy/perpbox/internal/grid"
	"github.com/alanyoungcy/perpbox/internal/service"
)

// flatVenue fills every entry order in full and flattens on any reduce-only
// close. Its oracle is pinned at 1.0.
type flatVenue struct {
	mu        sync.Mutex
	positions []domain.RawPosition
	entries   []domain.NonMarketOrder
	closes    []domain.MarketOrder
}

func (v *flatVenue) InitializeSession(_ context.Context, _ domain.Credentials, endpoint string) (*domain.Session, error) {
	return &domain.Session{Authority: "tester", Endpoint: endpoint}, nil
}

func (v *flatVenue) GetOracleData(_ context.Context, market int) (*domain.OracleData, error) {
	return &domain.OracleData{MarketIndex: market, Price: 1.0}, nil
}

func (v *flatVenue) GetOpenPositionsRaw(context.Context, string) (*domain.RawAccount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &domain.RawAccount{Authority: "tester", Positions: append([]domain.RawPosition(nil), v.positions...)}, nil
}

func (v *flatVenue) SubmitNonMarketOrder(_ context.Context, o domain.NonMarketOrder) (domain.Transaction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, o)
	base := o.BaseAmount
	if o.Direction == domain.DirectionShort {
		base = -base
	}
	v.positions = append(v.positions, domain.RawPosition{MarketIndex: o.MarketIndex, BaseAssetAmount: base})
	return domain.Transaction{Kind: domain.TxKindStandard}, nil
}

func (v *flatVenue) SubmitMarketOrder(_ context.Context, o domain.MarketOrder) (domain.Transaction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closes = append(v.closes, o)
	v.positions = nil
	return domain.Transaction{Kind: domain.TxKindStandard}, nil
}

func (v *flatVenue) SignAndSend(context.Context, domain.Transaction) (domain.TxReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return domain.TxReceipt{Signature: fmt.Sprintf("sig-%d", len(v.entries)+len(v.closes))}, nil
}

func TestBoxLifecycleEndToEnd(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	venue := &flatVenue{}
	trading := service.NewTradingService(venue, service.TradingConfig{
		Endpoint:    "paper://test",
		DefaultSize: 1,
		Poller: service.PollerConfig{
			Interval:     5 * time.Millisecond,
			FillTimeout:  time.Second,
			CloseTimeout: time.Second,
		},
	}, logger)

	bus := eventbus.New(logger)
	var mu sync.Mutex
	var events []domain.BoxEvent
	bus.SubscribeKinds(func(_ context.Context, ev domain.BoxEvent) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	}, domain.BoxEventCreate, domain.BoxEventTrigger, domain.BoxEventExpire)

	ctrl := grid.New(trading, bus, grid.Config{
		TimeStep:   5 * time.Second,
		PriceStep:  0.5,
		GraceDelay: 500 * time.Millisecond,
	}, logger).WithClock(func() time.Time { return time.UnixMilli(45_000) })

	box, err := ctrl.CreateAt(time.UnixMilli(50_000), 1.5)
	if err != nil {
		t.Fatalf("CreateAt: %v", err)
	}
	if box.Cell != (domain.Cell{I: 10, J: 3}) || box.CenterPrice() != 1.5 {
		t.Fatalf("box = %+v", box)
	}
	ctrl.Wait()

	venue.mu.Lock()
	entries := append([]domain.NonMarketOrder(nil), venue.entries...)
	venue.mu.Unlock()
	if len(entries) != 1 || entries[0].Direction != domain.DirectionLong || entries[0].LimitPrice != 1_500_000 {
		t.Fatalf("entry orders = %+v, want one LONG at 1.5", entries)
	}
	if got := ctrl.Boxes()[0]; got.Venue != domain.VenueStateOpen || got.Direction != domain.DirectionLong {
		t.Fatalf("after placement box = %+v", got)
	}

	for _, tick := range []struct {
		ms    int64
		price float64
	}{
		{48_000, 1.0},
		{50_000, 1.2},
		{52_000, 1.5},
		{52_300, 1.5},
	} {
		ctrl.OnPrice(tick.price, time.UnixMilli(tick.ms))
		ctrl.Tick(time.UnixMilli(tick.ms))
	}
	ctrl.Wait()

	boxes := ctrl.Boxes()
	if len(boxes) != 1 {
		t.Fatalf("box removed before grace delay: %+v", boxes)
	}
	got := boxes[0]
	if got.Status != domain.BoxStatusTriggered || got.FiredAt == nil || got.FiredAt.UnixMilli() != 52_000 {
		t.Fatalf("triggered box = %+v", got)
	}
	if got.Venue != domain.VenueStateClosed {
		t.Fatalf("venue state = %s, want closed", got.Venue)
	}

	ctrl.Tick(time.UnixMilli(52_499))
	if len(ctrl.Boxes()) != 1 {
		t.Fatal("box removed before grace delay")
	}
	ctrl.Tick(time.UnixMilli(52_500))
	if len(ctrl.Boxes()) != 0 {
		t.Fatal("box not removed after grace delay")
	}
	if len(trading.OpenOrders()) != 0 {
		t.Fatal("order metadata outlived the close")
	}

	bus.Close()
	if len(events) != 2 || events[0].Kind != domain.BoxEventCreate || events[1].Kind != domain.BoxEventTrigger {
		t.Fatalf("events = %+v, want create then trigger", events)
	}
	if events[1].Box.FiredAt == nil || events[1].Box.FiredAt.UnixMilli() != 52_000 {
		t.Fatalf("trigger event firedAt = %v", events[1].Box.FiredAt)
	}
}
