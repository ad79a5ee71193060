package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/eventbus"
	"github.com/alanyoungcy/perpbox/internal/notify"
	"github.com/alanyoungcy/perpbox/internal/server/ws"
)

var errNoSubscribe = errors.New("app: local bus does not support subscriptions")

// localBus publishes straight to the websocket hub when redis is disabled.
// Streams are dropped.
type localBus struct {
	hub *ws.Hub
}

func (b localBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.hub.Publish(ctx, channel, payload)
}

func (localBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errNoSubscribe
}

func (localBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (localBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

var _ domain.SignalBus = localBus{}

// boxBridge mirrors box events onto the boxes channel and the durable box
// event stream.
func boxBridge(bus domain.SignalBus) eventbus.Handler {
	return func(ctx context.Context, ev domain.BoxEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("box bridge: marshal: %w", err)
		}
		return errors.Join(
			bus.Publish(ctx, domain.ChannelBoxes, payload),
			bus.StreamAppend(ctx, domain.StreamBoxEvents, payload),
		)
	}
}

// auditBridge records every box event in the audit log.
func auditBridge(audit domain.AuditStore) eventbus.Handler {
	return func(ctx context.Context, ev domain.BoxEvent) error {
		b := ev.Box
		detail := map[string]any{
			"box_id":      b.ID,
			"cell_i":      b.Cell.I,
			"cell_j":      b.Cell.J,
			"p0":          b.P0,
			"p1":          b.P1,
			"t0":          b.T0.UnixMilli(),
			"t1":          b.T1.UnixMilli(),
			"status":      string(b.Status),
			"venue_state": string(b.Venue),
		}
		if b.Direction != "" {
			detail["direction"] = string(b.Direction)
		}
		return audit.Log(ctx, "box."+string(ev.Kind), detail)
	}
}

// notifyBridge forwards box events to the configured chat channels.
func notifyBridge(n *notify.Notifier) eventbus.Handler {
	return func(ctx context.Context, ev domain.BoxEvent) error {
		event, title, message := notify.FormatBoxEvent(ev)
		return n.Notify(ctx, event, title, message)
	}
}

// publishJSON marshals v onto channel.
func publishJSON(ctx context.Context, bus domain.SignalBus, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish %s: marshal: %w", channel, err)
	}
	return bus.Publish(ctx, channel, payload)
}

// pnlObserver is the part of the PnL multiplexer relayed to the bus.
type pnlObserver interface {
	Observe() (current domain.PnlSnapshot, updates <-chan domain.PnlSnapshot, cancel func())
}

// relayPnl publishes every PnL snapshot until ctx is cancelled.
func relayPnl(ctx context.Context, pnl pnlObserver, bus domain.SignalBus, logger *slog.Logger) error {
	_, updates, cancel := pnl.Observe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := publishJSON(ctx, bus, domain.ChannelPnl, snap); err != nil {
				logger.WarnContext(ctx, "app: publish pnl failed", slog.String("error", err.Error()))
			}
		}
	}
}

// boxHistory is where settled boxes are persisted.
type boxHistory interface {
	Save(ctx context.Context, box domain.Box) error
}

// boxArchive buffers settled boxes for object storage.
type boxArchive interface {
	Add(box domain.Box)
}

// settleWriter moves settled boxes off the resolving goroutine and into the
// history store and archive.
type settleWriter struct {
	ch       chan domain.Box
	history  boxHistory
	archive  boxArchive
	logger   *slog.Logger
	deadline time.Duration
}

func newSettleWriter(history boxHistory, archive boxArchive, logger *slog.Logger) *settleWriter {
	return &settleWriter{
		ch:       make(chan domain.Box, 256),
		history:  history,
		archive:  archive,
		logger:   logger,
		deadline: 5 * time.Second,
	}
}

// Offer queues box without blocking. A full queue drops the box.
func (w *settleWriter) Offer(box domain.Box) {
	select {
	case w.ch <- box:
	default:
		w.logger.Warn("app: settle queue full, dropping box", slog.String("box_id", box.ID))
	}
}

// Run writes queued boxes until ctx is cancelled.
func (w *settleWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case box := <-w.ch:
			w.write(ctx, box)
		}
	}
}

// Drain writes whatever is still queued.
func (w *settleWriter) Drain(ctx context.Context) {
	for {
		select {
		case box := <-w.ch:
			w.write(ctx, box)
		default:
			return
		}
	}
}

func (w *settleWriter) write(ctx context.Context, box domain.Box) {
	if w.archive != nil && box.Venue != domain.VenueStateReconciled {
		w.archive.Add(box)
	}
	if w.history == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, w.deadline)
	defer cancel()
	if err := w.history.Save(saveCtx, box); err != nil {
		w.logger.Warn("app: save box history failed",
			slog.String("box_id", box.ID),
			slog.String("error", err.Error()),
		)
	}
}
