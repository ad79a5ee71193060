package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// TickHandler is called for every price tick that passes the throttle.
type TickHandler func(ctx context.Context, tick domain.PriceTick)

// PriceFeedConfig configures the chart price stream.
type PriceFeedConfig struct {
	URL          string
	InstrumentID string
	// Throttle is the minimum spacing between forwarded ticks. Zero forwards
	// every tick.
	Throttle time.Duration
}

// PriceFeed streams one instrument's price over a websocket and forwards
// throttled ticks to its handlers. It reconnects with exponential backoff
// on transport loss.
type PriceFeed struct {
	cfg      PriceFeedConfig
	handlers []TickHandler
	logger   *slog.Logger

	mu       sync.Mutex
	lastEmit time.Time
	last     domain.PriceTick

	closeOnce sync.Once
	done      chan struct{}
}

// NewPriceFeed creates a feed for cfg.InstrumentID.
func NewPriceFeed(cfg PriceFeedConfig, logger *slog.Logger, handlers ...TickHandler) *PriceFeed {
	cfg.InstrumentID = normaliseID(cfg.InstrumentID)
	return &PriceFeed{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With(slog.String("component", "price_feed")),
		done:     make(chan struct{}),
	}
}

// Last returns the most recent tick forwarded to handlers.
func (f *PriceFeed) Last() (domain.PriceTick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, !f.lastEmit.IsZero()
}

// Run connects, subscribes and forwards ticks until ctx is cancelled or
// Close is called.
func (f *PriceFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" || f.cfg.InstrumentID == "" {
		return fmt.Errorf("price_feed: url and instrument id required: %w", domain.ErrConfiguration)
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}
		if connected {
			delay = reconnectDelay
		}
		metrics.FeedReconnects.Inc()
		f.logger.Warn("price_feed: disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *PriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection serves one websocket session. connected reports whether the
// subscription was established, which resets the backoff.
func (f *PriceFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, f.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("price_feed: connect: %w", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(subscribeCommand{Type: "subscribe", IDs: []string{f.cfg.InstrumentID}})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return false, fmt.Errorf("price_feed: subscribe: %w", err)
	}
	f.logger.Info("price_feed: subscribed", slog.String("instrument_id", f.cfg.InstrumentID))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-stop:
			return
		}
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		writeMu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("price_feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		tick, ok, err := DecodePriceUpdate(message)
		if err != nil {
			f.logger.Debug("price_feed: dropping malformed message", slog.String("error", err.Error()))
			continue
		}
		if !ok || tick.InstrumentID != f.cfg.InstrumentID {
			continue
		}
		f.emit(ctx, tick)
	}
}

func (f *PriceFeed) emit(ctx context.Context, tick domain.PriceTick) {
	now := time.Now()
	f.mu.Lock()
	if f.cfg.Throttle > 0 && !f.lastEmit.IsZero() && now.Sub(f.lastEmit) < f.cfg.Throttle {
		f.mu.Unlock()
		return
	}
	f.lastEmit = now
	f.last = tick
	f.mu.Unlock()

	metrics.PriceUpdates.Inc()
	for _, h := range f.handlers {
		h(ctx, tick)
	}
}

type subscribeCommand struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type priceUpdateMessage struct {
	Type      string `json:"type"`
	PriceFeed *struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"price_feed"`
}

// DecodePriceUpdate parses one feed message. ok is false for messages that
// are not price updates (subscription acks, heartbeats).
func DecodePriceUpdate(raw []byte) (tick domain.PriceTick, ok bool, err error) {
	var msg priceUpdateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.PriceTick{}, false, fmt.Errorf("price_feed: decode: %w", err)
	}
	if msg.Type != "price_update" || msg.PriceFeed == nil {
		return domain.PriceTick{}, false, nil
	}
	price, err := domain.ParseExpoPrice(msg.PriceFeed.Price.Price, msg.PriceFeed.Price.Expo)
	if err != nil {
		return domain.PriceTick{}, false, err
	}
	return domain.PriceTick{
		InstrumentID: normaliseID(msg.PriceFeed.ID),
		Price:        price,
		PublishTime:  msg.PriceFeed.Price.PublishTime,
	}, true, nil
}

func normaliseID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
