package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPoller() PollerConfig {
	return PollerConfig{
		Interval:      5 * time.Millisecond,
		FillTimeout:   150 * time.Millisecond,
		CloseTimeout:  150 * time.Millisecond,
		FillTolerance: 0.95,
	}
}

func boolPtr(b bool) *bool { return &b }

// fakeVenue is an in-memory venue. Entry orders fill immediately at
// fillRatio of the requested size; reduce-only market orders flatten the
// matching position when closeWorks is set.
type fakeVenue struct {
	mu sync.Mutex

	initCalls atomic.Int32
	initGate  chan struct{}
	initErr   error

	oracle    *domain.OracleData
	oracleErr error

	account    *domain.RawAccount
	fillRatio  float64
	closeWorks bool

	signErr error

	nonMarket []domain.NonMarketOrder
	market    []domain.MarketOrder
	sigSeq    int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		oracle:     &domain.OracleData{MarketIndex: 0, Price: 1.0, MarkPrice: 1.0},
		account:    &domain.RawAccount{Authority: "user-1", TotalCollateral: 1_000_000_000},
		fillRatio:  1,
		closeWorks: true,
	}
}

func (v *fakeVenue) InitializeSession(ctx context.Context, creds domain.Credentials, endpoint string) (*domain.Session, error) {
	v.initCalls.Add(1)
	if v.initGate != nil {
		select {
		case <-v.initGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initErr != nil {
		return nil, v.initErr
	}
	return &domain.Session{Authority: "user-1", Endpoint: endpoint}, nil
}

func (v *fakeVenue) GetOracleData(_ context.Context, marketIndex int) (*domain.OracleData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.oracleErr != nil {
		return nil, v.oracleErr
	}
	if v.oracle == nil {
		return nil, nil
	}
	od := *v.oracle
	od.MarketIndex = marketIndex
	return &od, nil
}

func (v *fakeVenue) GetOpenPositionsRaw(context.Context, string) (*domain.RawAccount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.account == nil {
		return nil, nil
	}
	acct := *v.account
	acct.Positions = append([]domain.RawPosition(nil), v.account.Positions...)
	return &acct, nil
}

func (v *fakeVenue) SubmitNonMarketOrder(_ context.Context, order domain.NonMarketOrder) (domain.Transaction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nonMarket = append(v.nonMarket, order)
	if !order.ReduceOnly && v.account != nil && v.fillRatio > 0 {
		filled := int64(float64(order.BaseAmount) * v.fillRatio)
		if order.Direction == domain.DirectionShort {
			filled = -filled
		}
		price := domain.FromPriceUnits(order.LimitPrice)
		entry := domain.ToQuoteUnits(domain.FromBaseUnits(filled) * price)
		v.account.Positions = append(v.account.Positions, domain.RawPosition{
			MarketIndex:      order.MarketIndex,
			BaseAssetAmount:  filled,
			QuoteEntryAmount: -entry,
			QuoteAssetAmount: -entry,
		})
	}
	payload, _ := json.Marshal(order)
	return domain.Transaction{Kind: domain.TxKindStandard, Payload: payload}, nil
}

func (v *fakeVenue) SubmitMarketOrder(_ context.Context, order domain.MarketOrder) (domain.Transaction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.market = append(v.market, order)
	if order.ReduceOnly && v.closeWorks && v.account != nil {
		kept := v.account.Positions[:0]
		for _, p := range v.account.Positions {
			if p.MarketIndex == order.MarketIndex && directionOf(p.BaseAssetAmount) == order.Direction.Opposite() {
				continue
			}
			kept = append(kept, p)
		}
		v.account.Positions = kept
	}
	payload, _ := json.Marshal(order)
	return domain.Transaction{Kind: domain.TxKindStandard, Payload: payload}, nil
}

func (v *fakeVenue) SignAndSend(_ context.Context, tx domain.Transaction) (domain.TxReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.signErr != nil {
		return domain.TxReceipt{}, v.signErr
	}
	if tx.Kind != domain.TxKindStandard {
		return domain.TxReceipt{}, domain.ErrUnsupportedTransactionType
	}
	v.sigSeq++
	return domain.TxReceipt{Signature: fmt.Sprintf("sig-%d", v.sigSeq)}, nil
}

func (v *fakeVenue) setPositions(ps ...domain.RawPosition) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.account.Positions = ps
}

func (v *fakeVenue) marketOrders() []domain.MarketOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.MarketOrder(nil), v.market...)
}

func (v *fakeVenue) nonMarketOrders() []domain.NonMarketOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.NonMarketOrder(nil), v.nonMarket...)
}

func directionOf(base int64) domain.Direction {
	if base < 0 {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

// fakeStreams records subscriptions and lets tests push values.
type fakeStreams struct {
	mu         sync.Mutex
	subscribes int
	active     int
	failOn     string

	mark    func(float64)
	oracle  func(float64)
	account func(domain.RawAccount)
}

func (s *fakeStreams) subscribe(kind string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == kind {
		return nil, errors.New("subscribe " + kind + " refused")
	}
	s.subscribes++
	s.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		})
	}, nil
}

func (s *fakeStreams) SubscribeMarkPrice(_ context.Context, _ int, fn func(float64)) (func(), error) {
	unsub, err := s.subscribe("mark")
	if err == nil {
		s.mu.Lock()
		s.mark = fn
		s.mu.Unlock()
	}
	return unsub, err
}

func (s *fakeStreams) SubscribeOraclePrice(_ context.Context, _ int, fn func(float64)) (func(), error) {
	unsub, err := s.subscribe("oracle")
	if err == nil {
		s.mu.Lock()
		s.oracle = fn
		s.mu.Unlock()
	}
	return unsub, err
}

func (s *fakeStreams) SubscribeAccount(_ context.Context, _ string, fn func(domain.RawAccount)) (func(), error) {
	unsub, err := s.subscribe("account")
	if err == nil {
		s.mu.Lock()
		s.account = fn
		s.mu.Unlock()
	}
	return unsub, err
}

func (s *fakeStreams) counts() (subscribes, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes, s.active
}

func (s *fakeStreams) pushMark(p float64) {
	s.mu.Lock()
	fn := s.mark
	s.mu.Unlock()
	fn(p)
}

func (s *fakeStreams) pushAccount(a domain.RawAccount) {
	s.mu.Lock()
	fn := s.account
	s.mu.Unlock()
	fn(a)
}

// staticSession satisfies SessionProvider.
type staticSession struct{}

func (staticSession) Initialize(context.Context) (*domain.Session, error) {
	return &domain.Session{Authority: "user-1"}, nil
}

// memAudit is an in-memory AuditStore.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}
