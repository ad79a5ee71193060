package grid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

// Trader is the trading surface the controller drives.
type Trader interface {
	PlaceLimitOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error)
	HandleTrigger(ctx context.Context, orderID string) (domain.CloseResult, error)
	HandleExpiry(ctx context.Context, orderID string) (domain.CloseResult, error)
}

// Publisher receives box lifecycle events. Publish must not block.
type Publisher interface {
	Publish(kind domain.BoxEventKind, box domain.Box)
}

// Config holds the runtime grid parameters.
type Config struct {
	TimeStep time.Duration
	// PriceStep is an absolute price step. When zero the step is derived as
	// PriceStepPct percent of the first observed price.
	PriceStep    float64
	PriceStepPct float64
	TickInterval time.Duration
	// GraceDelay is how long a resolved box stays drawn before its cell is
	// released.
	GraceDelay time.Duration
	// OrderSize is passed to every placement; zero uses the trader default.
	OrderSize float64
}

// DefaultConfig returns the grid defaults.
func DefaultConfig() Config {
	return Config{
		TimeStep:     5 * time.Second,
		PriceStepPct: 0.1,
		TickInterval: 100 * time.Millisecond,
		GraceDelay:   1500 * time.Millisecond,
	}
}

type entry struct {
	box     domain.Box
	removed bool
	// placed is closed once the entry order attempt has finished, so a
	// close never races ahead of its own placement.
	placed chan struct{}
}

// Controller owns every box on the grid and the occupancy of its cells. It
// is the only writer of box state.
type Controller struct {
	trader Trader
	pub    Publisher
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	// settled, when set, receives each resolved box once its close attempt
	// has finished and the final venue state is known.
	settled func(domain.Box)

	mu        sync.Mutex
	entries   map[string]*entry
	cells     map[domain.Cell]string
	priceStep float64
	refPrice  float64
	lastPrice float64
	hasPrice  bool
	ctx       context.Context

	wg sync.WaitGroup
}

// New creates a Controller. Zero fields in cfg fall back to DefaultConfig,
// as does a TimeStep below one millisecond.
func New(trader Trader, pub Publisher, cfg Config, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.TimeStep < time.Millisecond {
		cfg.TimeStep = def.TimeStep
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = def.GraceDelay
	}
	return &Controller{
		trader:    trader,
		pub:       pub,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "grid")),
		entries:   make(map[string]*entry),
		cells:     make(map[domain.Cell]string),
		priceStep: cfg.PriceStep,
		ctx:       context.Background(),
	}
}

// WithClock replaces the wall clock used for creation checks.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithSettled registers fn to receive resolved boxes after their close
// attempt. fn runs on the resolving goroutine and must not block.
func (c *Controller) WithSettled(fn func(domain.Box)) *Controller {
	c.settled = fn
	return c
}

// Geometry returns the current grid geometry. PriceStep is zero until it
// has been established.
func (c *Controller) Geometry() Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Geometry{TimeStep: c.cfg.TimeStep, PriceStep: c.priceStep}
}

// CreateAt draws a box in the cell containing (t, price) and starts placing
// its entry order in the background.
func (c *Controller) CreateAt(t time.Time, price float64) (domain.Box, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	step, err := c.stepLocked(price)
	if err != nil {
		return domain.Box{}, err
	}
	geom := Geometry{TimeStep: c.cfg.TimeStep, PriceStep: step}
	cell := geom.CellAt(t, price)
	if owner, taken := c.cells[cell]; taken {
		return domain.Box{}, fmt.Errorf("grid: cell (%d,%d) held by %s: %w", cell.I, cell.J, owner, domain.ErrCellOccupied)
	}

	t0, t1, p0, p1 := geom.Bounds(cell)
	now := c.now()
	if now.After(t1) {
		return domain.Box{}, fmt.Errorf("grid: cell (%d,%d) ended at %s: %w", cell.I, cell.J, t1.UTC().Format(time.RFC3339Nano), domain.ErrCellElapsed)
	}

	box := domain.Box{
		ID:        uuid.NewString(),
		Cell:      cell,
		T0:        t0,
		T1:        t1,
		P0:        p0,
		P1:        p1,
		Status:    domain.BoxStatusPending,
		Venue:     domain.VenueStatePlacing,
		CreatedAt: now,
	}
	e := &entry{box: box, placed: make(chan struct{})}
	c.entries[box.ID] = e
	c.cells[cell] = box.ID

	c.pub.Publish(domain.BoxEventCreate, box)
	metrics.BoxTransitions.WithLabelValues(string(domain.BoxEventCreate)).Inc()
	metrics.LiveBoxes.Set(float64(len(c.cells)))

	c.logger.Info("grid: box created",
		slog.String("box_id", box.ID),
		slog.Int64("i", cell.I),
		slog.Int64("j", cell.J),
		slog.Float64("p0", p0),
		slog.Float64("p1", p1),
	)

	c.wg.Add(1)
	go c.place(c.ctx, e, box)
	return box, nil
}

// OnPrice records the latest streamed price. The first price becomes the
// reference for percent-based price steps.
func (c *Controller) OnPrice(price float64, _ time.Time) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.lastPrice = price
	c.hasPrice = true
	if c.refPrice == 0 {
		c.refPrice = price
	}
	c.mu.Unlock()
}

// Tick evaluates every box against the latest price at now. Trigger is
// checked before expiry, so a price inside the box at exactly t1 triggers.
// Trading calls are dispatched without blocking the tick.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		b := &e.box
		if b.Status != domain.BoxStatusPending {
			if !e.removed && b.ResolvedAt != nil && now.Sub(*b.ResolvedAt) >= c.cfg.GraceDelay {
				e.removed = true
				delete(c.cells, b.Cell)
				c.logger.Debug("grid: box removed", slog.String("box_id", id))
			}
			c.pruneLocked(id, e)
			continue
		}

		var kind domain.BoxEventKind
		switch {
		case c.hasPrice && b.Contains(now, c.lastPrice):
			kind = domain.BoxEventTrigger
			b.Status = domain.BoxStatusTriggered
			fired := now
			b.FiredAt = &fired
		case now.After(b.T1):
			kind = domain.BoxEventExpire
			b.Status = domain.BoxStatusExpired
		default:
			continue
		}
		resolved := now
		b.ResolvedAt = &resolved

		c.pub.Publish(kind, *b)
		metrics.BoxTransitions.WithLabelValues(string(kind)).Inc()
		c.logger.Info("grid: box resolved",
			slog.String("box_id", id),
			slog.String("kind", string(kind)),
			slog.Float64("price", c.lastPrice),
		)

		c.wg.Add(1)
		go c.resolve(c.ctx, e, kind)
	}
	metrics.LiveBoxes.Set(float64(len(c.cells)))
}

// Boxes returns every box still drawn on the grid, oldest first.
func (c *Controller) Boxes() []domain.Box {
	c.mu.Lock()
	out := make([]domain.Box, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.removed {
			out = append(out, e.box)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetGridGranularity changes the price step to pct percent of the reference
// price and redraws every box around its unchanged cell. Time bounds, and
// so expiry eligibility, are unaffected.
func (c *Controller) SetGridGranularity(pct float64) error {
	if pct <= 0 {
		return fmt.Errorf("grid: granularity %v: %w", pct, domain.ErrInvalidGranularity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refPrice <= 0 {
		return fmt.Errorf("grid: no reference price yet: %w", domain.ErrGridNotReady)
	}

	c.cfg.PriceStepPct = pct
	c.priceStep = c.refPrice * pct / 100
	geom := Geometry{TimeStep: c.cfg.TimeStep, PriceStep: c.priceStep}
	for _, e := range c.entries {
		e.box.P0, e.box.P1 = geom.PriceBounds(e.box.Cell)
	}

	c.logger.Info("grid: granularity changed",
		slog.Float64("pct", pct),
		slog.Float64("price_step", c.priceStep),
		slog.Int("boxes", len(c.entries)),
	)
	return nil
}

// Desynced returns resolved boxes whose venue close failed.
func (c *Controller) Desynced() []domain.Box {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Box
	for _, e := range c.entries {
		if e.box.Venue.Desynced() {
			out = append(out, e.box)
		}
	}
	return out
}

// MarkReconciled records that the venue no longer holds exposure for id.
func (c *Controller) MarkReconciled(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.box.Venue = domain.VenueStateReconciled
	c.pruneLocked(id, e)
	final := e.box
	c.mu.Unlock()

	if c.settled != nil {
		c.settled(final)
	}
}

// Run ticks until ctx is cancelled. Trading calls dispatched while running
// inherit ctx.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.logger.InfoContext(ctx, "grid: started",
		slog.Duration("time_step", c.cfg.TimeStep),
		slog.Duration("tick", c.cfg.TickInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// Wait blocks until every dispatched placement and close has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// stepLocked returns the price step, establishing it from the reference
// price (or price itself when nothing has been observed) on first use.
func (c *Controller) stepLocked(price float64) (float64, error) {
	if c.priceStep > 0 {
		return c.priceStep, nil
	}
	if c.cfg.PriceStepPct <= 0 {
		return 0, fmt.Errorf("grid: no price step configured: %w", domain.ErrGridNotReady)
	}
	if c.refPrice <= 0 {
		if price <= 0 {
			return 0, fmt.Errorf("grid: no reference price: %w", domain.ErrGridNotReady)
		}
		c.refPrice = price
	}
	c.priceStep = c.refPrice * c.cfg.PriceStepPct / 100
	return c.priceStep, nil
}

// pruneLocked drops an entry once it is off the grid and the venue side is
// settled.
func (c *Controller) pruneLocked(id string, e *entry) {
	if !e.removed {
		return
	}
	switch e.box.Venue {
	case domain.VenueStateClosed, domain.VenueStateReconciled:
		delete(c.entries, id)
	}
}

func (c *Controller) place(ctx context.Context, e *entry, box domain.Box) {
	defer c.wg.Done()
	defer close(e.placed)

	res, err := c.trader.PlaceLimitOrder(ctx, domain.PlaceOrderRequest{
		OrderID:     box.ID,
		TargetPrice: box.CenterPrice(),
		Size:        c.cfg.OrderSize,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		e.box.Venue = domain.VenueStatePlaceFailed
		c.logger.Error("grid: entry order failed",
			slog.String("box_id", box.ID),
			slog.String("error", err.Error()),
		)
	case res.Position == nil:
		e.box.Venue = domain.VenueStateUnfilled
		e.box.Direction = res.Direction
	default:
		e.box.Venue = domain.VenueStateOpen
		e.box.Direction = res.Direction
	}
}

func (c *Controller) resolve(ctx context.Context, e *entry, kind domain.BoxEventKind) {
	defer c.wg.Done()
	<-e.placed

	c.mu.Lock()
	prior := e.box.Venue
	e.box.Venue = domain.VenueStateClosing
	id := e.box.ID
	c.mu.Unlock()

	var (
		res domain.CloseResult
		err error
	)
	if kind == domain.BoxEventTrigger {
		res, err = c.trader.HandleTrigger(ctx, id)
	} else {
		res, err = c.trader.HandleExpiry(ctx, id)
	}
	next := venueStateAfterClose(prior, res, err)

	c.mu.Lock()
	e.box.Venue = next
	c.pruneLocked(id, e)
	final := e.box
	c.mu.Unlock()

	if c.settled != nil {
		c.settled(final)
	}

	if err != nil {
		c.logger.Error("grid: close failed, venue may be out of sync",
			slog.String("box_id", id),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("grid: close finished",
		slog.String("box_id", id),
		slog.String("outcome", string(res.Outcome)),
		slog.String("venue_state", string(next)),
	)
}

// venueStateAfterClose maps a close result onto the box's venue state. A
// skipped close only counts as settled when the entry order never reached
// the venue.
func venueStateAfterClose(prior domain.VenueState, res domain.CloseResult, err error) domain.VenueState {
	if err != nil {
		return domain.VenueStateCloseFailed
	}
	switch res.Outcome {
	case domain.CloseOutcomeClosed, domain.CloseOutcomeNothing:
		return domain.VenueStateClosed
	case domain.CloseOutcomeSkipped:
		if prior == domain.VenueStatePlaceFailed {
			return domain.VenueStateClosed
		}
	}
	return domain.VenueStateCloseFailed
}
