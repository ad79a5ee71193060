package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

// DesyncTracker exposes boxes whose grid status is terminal but whose
// venue close was never confirmed.
type DesyncTracker interface {
	Desynced() []domain.Box
	MarkReconciled(id string)
}

// PositionReader reads the venue's current open positions.
type PositionReader interface {
	GetOpenPositions(ctx context.Context) ([]domain.PositionSummary, error)
}

// OrderLister lists the orders the trading service still tracks.
type OrderLister interface {
	OpenOrders() []domain.OrderMeta
}

// PositionCloser closes venue exposure without order metadata.
type PositionCloser interface {
	ClosePosition(ctx context.Context, marketIndex int, dir domain.Direction) (domain.CloseResult, error)
}

// ReconcilerConfig controls the reconciliation loop.
type ReconcilerConfig struct {
	Interval    time.Duration
	MarketIndex int
	// RetryCloses re-submits a close for desynced boxes whose position is
	// still open. Off by default.
	RetryCloses bool
}

// Health is the desync signal surfaced on /api/health.
type Health struct {
	Desynced  int       `json:"desynced"`
	Untracked int       `json:"untracked"`
	CheckedAt time.Time `json:"checked_at"`
	Healthy   bool      `json:"healthy"`
}

// Reconciler compares the grid's view of resolved boxes against the venue's
// positions. A box whose close failed is marked reconciled once the venue
// shows no exposure in its market and direction.
type Reconciler struct {
	tracker   DesyncTracker
	positions PositionReader
	orders    OrderLister
	closer    PositionCloser
	cfg       ReconcilerConfig
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	health Health
}

// NewReconciler creates a Reconciler.
func NewReconciler(tracker DesyncTracker, positions PositionReader, orders OrderLister, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Reconciler{
		tracker:   tracker,
		positions: positions,
		orders:    orders,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "reconciler")),
		health:    Health{Healthy: true},
	}
}

// WithCloser enables close retries through closer when cfg.RetryCloses is set.
func (r *Reconciler) WithCloser(closer PositionCloser) *Reconciler {
	r.closer = closer
	return r
}

// Health returns the result of the last reconciliation pass.
func (r *Reconciler) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Reconcile runs one pass.
func (r *Reconciler) Reconcile(ctx context.Context) (Health, error) {
	positions, err := r.positions.GetOpenPositions(ctx)
	if err != nil {
		return r.Health(), fmt.Errorf("reconciler: read positions: %w", err)
	}

	open := make(map[domain.Direction]bool)
	for _, p := range positions {
		if p.MarketIndex == r.cfg.MarketIndex {
			open[p.Direction] = true
		}
	}

	remaining := 0
	desynced := r.tracker.Desynced()
	claimed := make(map[domain.Direction]bool)
	for _, box := range desynced {
		if !box.Direction.Valid() || !open[box.Direction] {
			r.tracker.MarkReconciled(box.ID)
			r.logger.InfoContext(ctx, "reconciler: box reconciled, venue is flat",
				slog.String("box_id", box.ID),
				slog.String("direction", string(box.Direction)),
			)
			continue
		}
		claimed[box.Direction] = true

		if r.cfg.RetryCloses && r.closer != nil {
			res, err := r.closer.ClosePosition(ctx, r.cfg.MarketIndex, box.Direction)
			if err == nil && res.Closed() {
				r.tracker.MarkReconciled(box.ID)
				open[box.Direction] = false
				r.logger.InfoContext(ctx, "reconciler: close retried",
					slog.String("box_id", box.ID),
					slog.String("outcome", string(res.Outcome)),
				)
				continue
			}
			if err != nil {
				r.logger.WarnContext(ctx, "reconciler: close retry failed",
					slog.String("box_id", box.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		remaining++
	}

	tracked := make(map[string]bool)
	for _, o := range r.orders.OpenOrders() {
		tracked[positionKey(o.MarketIndex, o.Direction)] = true
	}
	untracked := 0
	for _, p := range positions {
		if tracked[positionKey(p.MarketIndex, p.Direction)] {
			continue
		}
		if p.MarketIndex == r.cfg.MarketIndex && claimed[p.Direction] {
			continue
		}
		untracked++
	}

	h := Health{
		Desynced:  remaining,
		Untracked: untracked,
		CheckedAt: r.now().UTC(),
		Healthy:   remaining == 0 && untracked == 0,
	}
	metrics.DesyncedBoxes.Set(float64(remaining))
	metrics.UntrackedPositions.Set(float64(untracked))

	r.mu.Lock()
	r.health = h
	r.mu.Unlock()

	if !h.Healthy {
		r.logger.WarnContext(ctx, "reconciler: venue and grid disagree",
			slog.Int("desynced", remaining),
			slog.Int("untracked", untracked),
		)
	}
	return h, nil
}

// Run reconciles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "reconciler: started", slog.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "reconciler: pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

func positionKey(market int, dir domain.Direction) string {
	return fmt.Sprintf("%d:%s", market, dir)
}
