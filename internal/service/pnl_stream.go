package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

// SessionProvider yields the initialized venue session whose authority the
// account subscription follows.
type SessionProvider interface {
	Initialize(ctx context.Context) (*domain.Session, error)
}

// PnlMultiplexer shares one set of venue subscriptions (mark price, oracle
// price, account) among any number of observers. Acquire and release are
// reference counted: the first Acquire subscribes, the last release tears
// the subscriptions down and resets the snapshot.
type PnlMultiplexer struct {
	streams  domain.VenueStreams
	sessions SessionProvider
	market   int
	logger   *slog.Logger

	// lifeMu serializes subscription lifecycle changes.
	lifeMu sync.Mutex
	refs   int
	unsubs []func()

	// stateMu guards the published state. gen is bumped on every start and
	// stop so callbacks from a torn-down subscription are ignored.
	stateMu   sync.RWMutex
	gen       uint64
	mark      float64
	oracle    float64
	account   *domain.RawAccount
	snap      domain.PnlSnapshot
	observers map[uint64]chan domain.PnlSnapshot
	nextObs   uint64
}

// NewPnlMultiplexer creates a multiplexer for one perp market.
func NewPnlMultiplexer(streams domain.VenueStreams, sessions SessionProvider, marketIndex int, logger *slog.Logger) *PnlMultiplexer {
	return &PnlMultiplexer{
		streams:   streams,
		sessions:  sessions,
		market:    marketIndex,
		logger:    logger.With(slog.String("component", "pnl_stream")),
		observers: make(map[uint64]chan domain.PnlSnapshot),
	}
}

// Acquire takes a reference on the shared subscription, starting it on the
// first reference. The returned release function is idempotent.
func (m *PnlMultiplexer) Acquire(ctx context.Context) (release func(), err error) {
	m.lifeMu.Lock()
	m.refs++
	if m.refs == 1 {
		if err := m.start(ctx); err != nil {
			m.refs--
			m.lifeMu.Unlock()
			return nil, err
		}
	}
	metrics.PnlSubscribers.Set(float64(m.refs))
	m.lifeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(m.release)
	}, nil
}

// Refs returns the current reference count.
func (m *PnlMultiplexer) Refs() int {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.refs
}

// Observe returns the current snapshot and a channel of subsequent updates.
// The channel holds only the newest value; slow readers skip intermediate
// snapshots. It works with zero references and then only ever carries the
// reset snapshot. cancel closes the channel.
func (m *PnlMultiplexer) Observe() (current domain.PnlSnapshot, updates <-chan domain.PnlSnapshot, cancel func()) {
	ch := make(chan domain.PnlSnapshot, 1)

	m.stateMu.Lock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = ch
	current = m.snap
	m.stateMu.Unlock()

	var once sync.Once
	return current, ch, func() {
		once.Do(func() {
			m.stateMu.Lock()
			delete(m.observers, id)
			close(ch)
			m.stateMu.Unlock()
		})
	}
}

// Latest returns the most recent snapshot.
func (m *PnlMultiplexer) Latest() domain.PnlSnapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.snap
}

// ProjectPositions builds a snapshot from polled positions, for use before
// the live subscription is warm.
func (m *PnlMultiplexer) ProjectPositions(positions []domain.PositionSummary) domain.PnlSnapshot {
	for _, p := range positions {
		if p.MarketIndex != m.market || p.Size == 0 {
			continue
		}
		snap := domain.PnlSnapshot{
			MarkPrice:   p.MarkPrice,
			OraclePrice: p.OraclePrice,
			PnlUSD:      p.PnL,
			HasPosition: true,
		}
		if basis := p.EntryPrice * p.Size; basis > 0 {
			snap.PnlPct = p.PnL / basis * 100
		}
		return snap
	}
	return domain.PnlSnapshot{}
}

func (m *PnlMultiplexer) release() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.refs--
	if m.refs == 0 {
		m.stop()
	}
	metrics.PnlSubscribers.Set(float64(m.refs))
}

// start subscribes to all three streams. Any failure unwinds the
// subscriptions already made. Called with lifeMu held.
func (m *PnlMultiplexer) start(ctx context.Context) error {
	sess, err := m.sessions.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("pnl_stream: session: %w", err)
	}

	m.stateMu.Lock()
	m.gen++
	gen := m.gen
	m.stateMu.Unlock()

	unwind := func() {
		for _, u := range m.unsubs {
			u()
		}
		m.unsubs = nil
	}

	unsub, err := m.streams.SubscribeMarkPrice(ctx, m.market, func(price float64) {
		m.update(gen, func() { m.mark = price })
	})
	if err != nil {
		return fmt.Errorf("pnl_stream: subscribe mark price: %w", err)
	}
	m.unsubs = append(m.unsubs, unsub)

	unsub, err = m.streams.SubscribeOraclePrice(ctx, m.market, func(price float64) {
		m.update(gen, func() { m.oracle = price })
	})
	if err != nil {
		unwind()
		return fmt.Errorf("pnl_stream: subscribe oracle price: %w", err)
	}
	m.unsubs = append(m.unsubs, unsub)

	unsub, err = m.streams.SubscribeAccount(ctx, sess.Authority, func(acct domain.RawAccount) {
		m.update(gen, func() { m.account = &acct })
	})
	if err != nil {
		unwind()
		return fmt.Errorf("pnl_stream: subscribe account: %w", err)
	}
	m.unsubs = append(m.unsubs, unsub)

	m.logger.Info("pnl_stream: subscriptions started",
		slog.Int("market_index", m.market),
		slog.String("authority", sess.Authority),
	)
	return nil
}

// stop tears down the subscriptions and resets the snapshot. Called with
// lifeMu held.
func (m *PnlMultiplexer) stop() {
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil

	m.stateMu.Lock()
	m.gen++
	m.mark, m.oracle, m.account = 0, 0, nil
	m.snap = domain.PnlSnapshot{}
	m.broadcastLocked()
	m.stateMu.Unlock()

	m.logger.Info("pnl_stream: subscriptions stopped", slog.Int("market_index", m.market))
}

func (m *PnlMultiplexer) update(gen uint64, mutate func()) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if gen != m.gen {
		return
	}
	mutate()
	m.snap = m.computeLocked()
	m.broadcastLocked()
}

func (m *PnlMultiplexer) computeLocked() domain.PnlSnapshot {
	snap := domain.PnlSnapshot{MarkPrice: m.mark, OraclePrice: m.oracle}
	if m.account == nil {
		return snap
	}

	var pos *domain.RawPosition
	for _, p := range m.account.Open() {
		if p.MarketIndex == m.market {
			pos = &p
			break
		}
	}
	if pos == nil {
		return snap
	}

	base := domain.FromBaseUnits(pos.BaseAssetAmount)
	entryNotional := domain.FromQuoteUnits(pos.QuoteEntryAmount)
	if entryNotional < 0 {
		entryNotional = -entryNotional
	}
	price := m.mark
	if price <= 0 {
		price = m.oracle
	}
	if price <= 0 && base != 0 {
		price = entryNotional / abs(base)
	}

	snap.HasPosition = true
	snap.PnlUSD = base*price + domain.FromQuoteUnits(pos.QuoteAssetAmount)
	if entryNotional > 0 {
		snap.PnlPct = snap.PnlUSD / entryNotional * 100
	}
	return snap
}

// broadcastLocked pushes the snapshot to every observer, replacing any
// unread value. Called with stateMu held.
func (m *PnlMultiplexer) broadcastLocked() {
	for _, ch := range m.observers {
		select {
		case ch <- m.snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m.snap:
			default:
			}
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
