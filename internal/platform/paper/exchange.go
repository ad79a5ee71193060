// Package paper simulates the perpetuals venue in memory for paper trading.
// Orders fill after a configurable delay and account state only becomes
// visible once the fill lands, which mimics the venue's lagging cache.
package paper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// Config controls the simulation.
type Config struct {
	// FillDelay is how long a sent transaction takes to affect the account.
	FillDelay time.Duration
	// Collateral is the starting USD collateral of every new account.
	Collateral float64
	// MarkSpreadBps offsets the mark price from the oracle price.
	MarkSpreadBps int
}

// DefaultConfig returns a 500ms fill delay and $10,000 of collateral.
func DefaultConfig() Config {
	return Config{FillDelay: 500 * time.Millisecond, Collateral: 10_000}
}

// txBody is the payload of a paper transaction.
type txBody struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Limit  *domain.NonMarketOrder `json:"limit,omitempty"`
	Market *domain.MarketOrder    `json:"market,omitempty"`
}

const (
	txLimit  = "limit"
	txMarket = "market"
)

type account struct {
	collateral int64
	positions  map[int]*domain.RawPosition
}

// Exchange is the simulated venue state.
type Exchange struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	oracle   map[int]oraclePoint
	accounts map[string]*account
	sent     map[string]bool
	timers   []*time.Timer
	closed   bool

	watchMu sync.Mutex
	nextID  int
	marks   map[int]map[int]func(float64)
	oracles map[int]map[int]func(float64)
	accts   map[string]map[int]func(domain.RawAccount)
}

type oraclePoint struct {
	price float64
	at    time.Time
}

// NewExchange creates an empty exchange.
func NewExchange(cfg Config, logger *slog.Logger) *Exchange {
	if cfg.FillDelay < 0 {
		cfg.FillDelay = 0
	}
	return &Exchange{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "paper_exchange")),
		oracle:   make(map[int]oraclePoint),
		accounts: make(map[string]*account),
		sent:     make(map[string]bool),
		marks:    make(map[int]map[int]func(float64)),
		oracles:  make(map[int]map[int]func(float64)),
		accts:    make(map[string]map[int]func(domain.RawAccount)),
	}
}

// SetOraclePrice moves the simulated oracle for market and notifies price
// watchers.
func (e *Exchange) SetOraclePrice(market int, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.oracle[market] = oraclePoint{price: price, at: at}
	e.mu.Unlock()

	mark := e.markFor(price)
	e.watchMu.Lock()
	oracleFns := collect(e.oracles[market])
	markFns := collect(e.marks[market])
	e.watchMu.Unlock()
	for _, fn := range oracleFns {
		fn(price)
	}
	for _, fn := range markFns {
		fn(mark)
	}
}

// OracleData returns the oracle for market, or nil before the first price.
func (e *Exchange) OracleData(market int) *domain.OracleData {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.oracle[market]
	if !ok {
		return nil
	}
	return &domain.OracleData{
		MarketIndex: market,
		Price:       p.price,
		MarkPrice:   e.markFor(p.price),
		PublishedAt: p.at,
	}
}

// Account returns the visible account state for user, or nil when the
// account has never traded.
func (e *Exchange) Account(user string) *domain.RawAccount {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[user]
	if !ok {
		return nil
	}
	snap := snapshot(user, acct)
	return &snap
}

// Open creates user's account if it does not exist yet.
func (e *Exchange) Open(user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accountLocked(user)
}

// BuildLimit returns an unsigned transaction for a non-market order.
func (e *Exchange) BuildLimit(o domain.NonMarketOrder) (domain.Transaction, error) {
	if err := validate(o.User, o.Direction, o.BaseAmount); err != nil {
		return domain.Transaction{}, err
	}
	if o.LimitPrice <= 0 {
		return domain.Transaction{}, fmt.Errorf("paper: limit price must be positive: %w", domain.ErrInvalidOrder)
	}
	return buildTx(txBody{ID: uuid.NewString(), Type: txLimit, Limit: &o})
}

// BuildMarket returns an unsigned transaction for a market order.
func (e *Exchange) BuildMarket(o domain.MarketOrder) (domain.Transaction, error) {
	if err := validate(o.User, o.Direction, o.BaseAmount); err != nil {
		return domain.Transaction{}, err
	}
	return buildTx(txBody{ID: uuid.NewString(), Type: txMarket, Market: &o})
}

// Execute schedules a built transaction and returns its receipt signature.
// The fill lands after FillDelay.
func (e *Exchange) Execute(payload []byte) (string, error) {
	var body txBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("paper: decode transaction: %w", err)
	}
	if body.ID == "" || (body.Limit == nil && body.Market == nil) {
		return "", fmt.Errorf("paper: empty transaction: %w", domain.ErrInvalidOrder)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("paper: exchange closed: %w", domain.ErrVenueUnavailable)
	}
	if e.sent[body.ID] {
		e.mu.Unlock()
		return "", fmt.Errorf("paper: transaction %s already sent: %w", body.ID, domain.ErrAlreadyExists)
	}
	e.sent[body.ID] = true

	if e.cfg.FillDelay == 0 {
		e.applyLocked(body)
		e.mu.Unlock()
		e.notifyAccount(userOf(body))
		return "paper-" + body.ID, nil
	}
	e.timers = append(e.timers, time.AfterFunc(e.cfg.FillDelay, func() {
		e.mu.Lock()
		closed := e.closed
		if !closed {
			e.applyLocked(body)
		}
		e.mu.Unlock()
		if !closed {
			e.notifyAccount(userOf(body))
		}
	}))
	e.mu.Unlock()
	return "paper-" + body.ID, nil
}

// Close stops pending fills.
func (e *Exchange) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

// WatchMark registers fn for mark price changes on market.
func (e *Exchange) WatchMark(market int, fn func(float64)) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	id := e.nextWatchLocked()
	if e.marks[market] == nil {
		e.marks[market] = make(map[int]func(float64))
	}
	e.marks[market][id] = fn
	return e.unwatch(func() { delete(e.marks[market], id) })
}

// WatchOracle registers fn for oracle price changes on market.
func (e *Exchange) WatchOracle(market int, fn func(float64)) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	id := e.nextWatchLocked()
	if e.oracles[market] == nil {
		e.oracles[market] = make(map[int]func(float64))
	}
	e.oracles[market][id] = fn
	return e.unwatch(func() { delete(e.oracles[market], id) })
}

// WatchAccount registers fn for visible changes to user's account.
func (e *Exchange) WatchAccount(user string, fn func(domain.RawAccount)) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	id := e.nextWatchLocked()
	if e.accts[user] == nil {
		e.accts[user] = make(map[int]func(domain.RawAccount))
	}
	e.accts[user][id] = fn
	return e.unwatch(func() { delete(e.accts[user], id) })
}

func (e *Exchange) nextWatchLocked() int {
	e.nextID++
	return e.nextID
}

func (e *Exchange) unwatch(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.watchMu.Lock()
			remove()
			e.watchMu.Unlock()
		})
	}
}

func (e *Exchange) notifyAccount(user string) {
	acct := e.Account(user)
	if acct == nil {
		return
	}
	e.watchMu.Lock()
	fns := collect(e.accts[user])
	e.watchMu.Unlock()
	for _, fn := range fns {
		fn(*acct)
	}
}

func (e *Exchange) applyLocked(body txBody) {
	var (
		user   string
		market int
		dir    domain.Direction
		amount int64
		reduce bool
		price  float64
	)
	switch body.Type {
	case txLimit:
		o := body.Limit
		user, market, dir, amount, reduce = o.User, o.MarketIndex, o.Direction, o.BaseAmount, o.ReduceOnly
		price = domain.FromPriceUnits(o.LimitPrice)
	case txMarket:
		o := body.Market
		user, market, dir, amount, reduce = o.User, o.MarketIndex, o.Direction, o.BaseAmount, o.ReduceOnly
		p, ok := e.oracle[market]
		if !ok {
			e.logger.Warn("paper_exchange: market order without oracle, dropped", slog.Int("market_index", market))
			return
		}
		price = p.price
	default:
		return
	}

	acct := e.accountLocked(user)
	pos := acct.positions[market]
	if pos == nil {
		pos = &domain.RawPosition{MarketIndex: market}
		acct.positions[market] = pos
	}

	delta := amount
	if dir == domain.DirectionShort {
		delta = -amount
	}
	if reduce {
		delta = clampReduce(pos.BaseAssetAmount, delta)
		if delta == 0 {
			return
		}
	}
	fill(pos, delta, price)
	if pos.BaseAssetAmount == 0 {
		acct.collateral += pos.QuoteAssetAmount
		delete(acct.positions, market)
	}
	e.logger.Debug("paper_exchange: filled",
		slog.String("user", user),
		slog.Int("market_index", market),
		slog.Int64("delta", delta),
		slog.Float64("price", price),
	)
}

// fill applies a signed base delta at price. Quote amounts carry the
// opposite sign of the base they paid for.
func fill(pos *domain.RawPosition, delta int64, price float64) {
	quote := -domain.ToQuoteUnits(domain.FromBaseUnits(delta) * price)
	before := pos.BaseAssetAmount
	after := before + delta

	switch {
	case before == 0 || sameSign(before, delta):
		pos.QuoteEntryAmount += quote
	case sameSign(before, after):
		// partial reduce keeps the entry price
		pos.QuoteEntryAmount = decimal.NewFromInt(pos.QuoteEntryAmount).
			Mul(decimal.NewFromInt(after)).
			Div(decimal.NewFromInt(before)).
			Round(0).IntPart()
	default:
		// flipped through zero: the remainder is a fresh entry
		pos.QuoteEntryAmount = -domain.ToQuoteUnits(domain.FromBaseUnits(after) * price)
	}
	pos.QuoteAssetAmount += quote
	pos.BaseAssetAmount = after
}

func clampReduce(base, delta int64) int64 {
	if base == 0 || sameSign(base, delta) {
		return 0
	}
	if abs(delta) > abs(base) {
		return -base
	}
	return delta
}

func (e *Exchange) accountLocked(user string) *account {
	acct, ok := e.accounts[user]
	if !ok {
		acct = &account{
			collateral: domain.ToQuoteUnits(e.cfg.Collateral),
			positions:  make(map[int]*domain.RawPosition),
		}
		e.accounts[user] = acct
	}
	return acct
}

func (e *Exchange) markFor(price float64) float64 {
	if e.cfg.MarkSpreadBps == 0 {
		return price
	}
	return domain.ApplyBps(price, e.cfg.MarkSpreadBps, true)
}

func snapshot(user string, acct *account) domain.RawAccount {
	out := domain.RawAccount{Authority: user, TotalCollateral: acct.collateral}
	for _, p := range acct.positions {
		out.Positions = append(out.Positions, *p)
	}
	return out
}

func buildTx(body txBody) (domain.Transaction, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("paper: encode transaction: %w", err)
	}
	return domain.Transaction{Kind: domain.TxKindStandard, Payload: payload}, nil
}

func validate(user string, dir domain.Direction, amount int64) error {
	if user == "" || !dir.Valid() || amount <= 0 {
		return fmt.Errorf("paper: user, direction and positive amount required: %w", domain.ErrInvalidOrder)
	}
	return nil
}

func userOf(body txBody) string {
	if body.Limit != nil {
		return body.Limit.User
	}
	return body.Market.User
}

func collect[K comparable, F any](m map[K]F) []F {
	out := make([]F, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
