package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/perpbox/internal/blob/s3"
	"github.com/alanyoungcy/perpbox/internal/cache/redis"
	"github.com/alanyoungcy/perpbox/internal/crypto"
	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/eventbus"
	"github.com/alanyoungcy/perpbox/internal/feed"
	"github.com/alanyoungcy/perpbox/internal/grid"
	"github.com/alanyoungcy/perpbox/internal/notify"
	"github.com/alanyoungcy/perpbox/internal/server"
	"github.com/alanyoungcy/perpbox/internal/server/handler"
	"github.com/alanyoungcy/perpbox/internal/server/middleware"
	"github.com/alanyoungcy/perpbox/internal/server/ws"
	"github.com/alanyoungcy/perpbox/internal/service"
)

// statusPayload is published on the status channel and sent to every new
// websocket client.
type statusPayload struct {
	Mode     string         `json:"mode"`
	Market   int            `json:"market_index"`
	Health   service.Health `json:"venue"`
	Geometry statusGeometry `json:"geometry"`
	Boxes    int            `json:"boxes"`
}

type statusGeometry struct {
	TimeStepMs int64   `json:"time_step_ms"`
	PriceStep  float64 `json:"price_step"`
}

// runtime builds the trading components on top of deps and runs every loop
// until ctx is cancelled or one of them fails.
func (a *App) runtime(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	base := a.base
	market := cfg.Venue.MarketIndex
	authority := authorityOf(cfg.Wallet.Authority, deps.PrivateKey, cfg.Venue.ChainID)

	g, ctx := errgroup.WithContext(ctx)

	// --- Trading ---
	trading := service.NewTradingService(deps.Venue, service.TradingConfig{
		Endpoint: deps.Endpoint,
		Credentials: domain.Credentials{
			PrivateKeyHex: deps.PrivateKey,
			Authority:     cfg.Wallet.Authority,
		},
		DefaultMarketIndex: market,
		DefaultSize:        cfg.Trading.DefaultSize,
		SlippageBps:        cfg.Trading.SlippageBps,
		TakeProfitBps:      cfg.Trading.TakeProfitBps,
		FallbackClose:      cfg.Trading.FallbackClose,
		Poller: service.PollerConfig{
			Interval:      cfg.Trading.PollInterval.Duration,
			FillTimeout:   cfg.Trading.FillTimeout.Duration,
			CloseTimeout:  cfg.Trading.CloseTimeout.Duration,
			FillTolerance: cfg.Trading.FillTolerance,
		},
	}, base)
	if audit := deps.auditStore(); audit != nil {
		trading.WithAudit(audit)
	}
	if _, err := trading.Initialize(ctx); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return fmt.Errorf("app: initialize venue session: %w", err)
		}
		a.logger.WarnContext(ctx, "app: venue unavailable at startup, retrying on first use",
			slog.String("error", err.Error()))
	}

	// --- Wallet lease ---
	if deps.Redis != nil && authority != "" {
		lease, err := redis.AcquireLease(ctx, deps.Redis, "wallet:"+authority, cfg.Redis.LeaseTTL.Duration, base)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		g.Go(func() error { return lease.Hold(ctx) })
	}

	// --- Grid and event bus ---
	bus := eventbus.New(base)
	defer bus.Close()

	ctrl := grid.New(trading, bus, grid.Config{
		TimeStep:     cfg.Grid.TimeStep.Duration,
		PriceStep:    cfg.Grid.PriceStep,
		PriceStepPct: cfg.Grid.PriceStepPct,
		TickInterval: cfg.Grid.TickInterval.Duration,
		GraceDelay:   cfg.Grid.GraceDelay.Duration,
		OrderSize:    cfg.Grid.OrderSize,
	}, base)

	pnl := service.NewPnlMultiplexer(deps.Venue, trading, market, base)
	reconciler := service.NewReconciler(ctrl, trading, trading, service.ReconcilerConfig{
		Interval:    cfg.Trading.ReconcileInterval.Duration,
		MarketIndex: market,
		RetryCloses: cfg.Trading.RetryCloses,
	}, base).WithCloser(trading)

	status := func() statusPayload {
		geo := ctrl.Geometry()
		return statusPayload{
			Mode:     cfg.Mode,
			Market:   market,
			Health:   reconciler.Health(),
			Geometry: statusGeometry{TimeStepMs: geo.TimeStep.Milliseconds(), PriceStep: geo.PriceStep},
			Boxes:    len(ctrl.Boxes()),
		}
	}

	// --- Websocket hub and outbound bus ---
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hubCfg := ws.Config{Pnl: pnl, Snapshot: func() any { return status() }}
		if deps.SignalBus != nil {
			hubCfg.Bus = deps.SignalBus
		}
		hub = ws.NewHub(hubCfg, base)
		g.Go(func() error { return hub.Run(ctx) })
	}
	out := deps.SignalBus
	if out == nil && hub != nil {
		out = localBus{hub: hub}
	}

	// --- Box event bridges ---
	kinds := []domain.BoxEventKind{domain.BoxEventCreate, domain.BoxEventTrigger, domain.BoxEventExpire}
	if out != nil {
		bus.SubscribeKinds(boxBridge(out), kinds...)
	}
	if audit := deps.auditStore(); audit != nil {
		bus.SubscribeKinds(auditBridge(audit), kinds...)
	}
	if deps.Notifier.Enabled() {
		bus.SubscribeKinds(notifyBridge(deps.Notifier), kinds...)
	}

	var archiver *s3blob.BoxArchiver
	if deps.BlobWriter != nil {
		archiver = s3blob.NewBoxArchiver(deps.BlobWriter, deps.auditStore(), s3blob.ArchiverConfig{
			FlushInterval: cfg.Archive.FlushInterval.Duration,
			MaxBatch:      cfg.Archive.MaxBatch,
		}, base)
		g.Go(func() error { return archiver.Run(ctx) })
	}
	var settle *settleWriter
	if deps.History != nil || archiver != nil {
		var history boxHistory
		if deps.History != nil {
			history = deps.History
		}
		var archive boxArchive
		if archiver != nil {
			archive = archiver
		}
		settle = newSettleWriter(history, archive, a.logger)
		ctrl.WithSettled(settle.Offer)
		g.Go(func() error { return settle.Run(ctx) })
	}

	// --- Price feed ---
	sinks := []feed.PriceSink{ctrl.OnPrice}
	if deps.Paper != nil {
		sinks = append(sinks, func(price float64, at time.Time) {
			deps.Paper.SetOraclePrice(market, price, at)
		})
	}
	fanout := feed.NewFanout(deps.PriceCache, out, base, sinks...)
	prices := feed.NewPriceFeed(feed.PriceFeedConfig{
		URL:          cfg.PriceFeed.URL,
		InstrumentID: cfg.PriceFeed.InstrumentID,
		Throttle:     cfg.PriceFeed.Throttle.Duration,
	}, base, fanout.Handle)
	defer prices.Close()

	g.Go(func() error { return prices.Run(ctx) })
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error { return a.watchDesync(ctx, reconciler, ctrl, deps.Notifier, out, status) })

	// --- Position and PnL streams ---
	if out != nil {
		g.Go(func() error { return relayPnl(ctx, pnl, out, a.logger) })
		if authority != "" {
			positions := service.NewPoller(deps.Venue, service.PollerConfig{
				Interval: cfg.Trading.PositionsInterval.Duration,
			}, base)
			g.Go(func() error {
				return positions.Run(ctx, authority, func(ps []domain.PositionSummary) {
					if ps == nil {
						ps = []domain.PositionSummary{}
					}
					if err := publishJSON(ctx, out, domain.ChannelPositions, ps); err != nil {
						a.logger.WarnContext(ctx, "app: publish positions failed", slog.String("error", err.Error()))
					}
				})
			})
		}
	}

	// --- HTTP API ---
	if cfg.Server.Enabled {
		health := handler.NewHealthHandler(cfg.Mode, strconv.Itoa(market), reconciler, ctrl, base)
		for name, probe := range deps.Checks {
			health.WithCheck(name, probe)
		}
		handlers := server.Handlers{
			Health:    health,
			Positions: handler.NewPositionHandler(trading, pnl, base),
		}
		var history handler.BoxHistory
		if deps.History != nil {
			history = deps.History
		}
		handlers.Boxes = handler.NewBoxHandler(ctrl, history, func() (float64, bool) {
			tick, ok := prices.Last()
			return tick.Price, ok
		}, base)
		if deps.Audit != nil {
			handlers.Audit = handler.NewAuditHandler(deps.Audit, base)
		}

		srvCfg := server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			Auth: middleware.AuthConfig{
				APIKey: cfg.Server.APIKey,
				Signed: crypto.GatewayAuth{Key: cfg.Server.SigningKey, Secret: cfg.Server.SigningSecret},
			},
			RateLimit:  cfg.Server.RateLimit,
			RateWindow: cfg.Server.RateWindow.Duration,
		}
		if deps.Limiter != nil {
			srvCfg.Limiter = deps.Limiter
		}
		srv := server.NewServer(srvCfg, handlers, hub, base)
		g.Go(func() error { return srv.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "app: running",
		slog.String("authority", authority),
		slog.String("instrument", cfg.PriceFeed.InstrumentID),
	)

	err := g.Wait()

	// In-flight placements and closes finish before the settle queue and
	// archive are drained for the last time.
	ctrl.Wait()
	if settle != nil || archiver != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if settle != nil {
			settle.Drain(drainCtx)
		}
		if archiver != nil {
			if _, ferr := archiver.Flush(drainCtx); ferr != nil {
				a.logger.Error("app: final archive flush failed", slog.String("error", ferr.Error()))
			}
		}
	}
	return err
}

// watchDesync publishes the status snapshot every reconcile interval and
// alerts when the venue goes out of sync.
func (a *App) watchDesync(ctx context.Context, r *service.Reconciler, ctrl *grid.Controller, n *notify.Notifier, out domain.SignalBus, status func() statusPayload) error {
	interval := a.cfg.Trading.ReconcileInterval.Duration
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		h := r.Health()
		if out != nil {
			if err := publishJSON(ctx, out, domain.ChannelStatus, status()); err != nil {
				a.logger.DebugContext(ctx, "app: publish status failed", slog.String("error", err.Error()))
			}
		}
		if h.CheckedAt.IsZero() {
			continue
		}
		if healthy && !h.Healthy {
			title, message := notify.FormatDesync(ctrl.Desynced(), h.Untracked)
			if err := n.Notify(ctx, notify.EventDesync, title, message); err != nil {
				a.logger.WarnContext(ctx, "app: desync alert failed", slog.String("error", err.Error()))
			}
		}
		healthy = h.Healthy
	}
}

// authorityOf returns the account the bot trades: the configured authority,
// or the address of key.
func authorityOf(configured, key string, chainID int64) string {
	if configured != "" {
		return configured
	}
	if key == "" {
		return ""
	}
	signer, err := crypto.NewSigner(key, chainID)
	if err != nil {
		return ""
	}
	return signer.Address().Hex()
}
