// Package ws serves the UI websocket. Every message is an envelope
// {"channel": ..., "data": ...}; clients receive protobuf binary frames
// (google.protobuf.Struct) by default, or JSON text frames when they
// connect with ?format=json.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Channels relayed to clients.
var Channels = []string{
	domain.ChannelBoxes,
	domain.ChannelPnl,
	domain.ChannelPositions,
	domain.ChannelPrices,
	domain.ChannelStatus,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PnlAcquirer is the shared live-PnL subscription. Each connected client
// holds one reference.
type PnlAcquirer interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Config controls the hub.
type Config struct {
	// Bus, when set, is the source of relayed messages. Without it the
	// application calls Publish directly.
	Bus domain.SignalBus
	// Pnl is acquired for each connected client. Optional.
	Pnl PnlAcquirer
	// Snapshot builds the status message sent on connect. Optional.
	Snapshot func() any
}

// frame is one encoded broadcast. Both encodings are built lazily once and
// shared by every client.
type frame struct {
	channel string
	payload []byte

	once   sync.Once
	binary []byte
	text   []byte
	err    error
}

func (f *frame) encode() {
	f.once.Do(func() {
		var data any
		if err := json.Unmarshal(f.payload, &data); err != nil {
			f.err = err
			return
		}
		env := map[string]any{"channel": f.channel, "data": data}
		if f.text, f.err = json.Marshal(env); f.err != nil {
			return
		}
		var st *structpb.Struct
		if st, f.err = structpb.NewStruct(env); f.err != nil {
			return
		}
		f.binary, f.err = proto.Marshal(st)
	})
}

// Hub tracks connected clients and fans messages out to those subscribed.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	ctx     context.Context
}

// NewHub creates a Hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
		ctx:     context.Background(),
	}
}

// Publish broadcasts a JSON payload on channel to subscribed clients.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	f := &frame{channel: channel, payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isSubscribed(channel) {
			c.enqueue(f)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run relays bus channels until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	var wg sync.WaitGroup
	if h.cfg.Bus != nil {
		for _, ch := range Channels {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.relay(ctx, ch)
			}()
		}
	}
	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		c.stop()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.HubClients.Set(0)
	return nil
}

func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.cfg.Bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws_hub: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws_hub: subscription closed", slog.String("channel", channel))
				return
			}
			h.Publish(ctx, channel, data)
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws[?format=json][&channels=boxes,pnl]
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws_hub: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.URL.Query().Get("format") == "json", r.URL.Query()["channels"])

	h.mu.Lock()
	h.clients[c] = struct{}{}
	ctx := h.ctx
	total := len(h.clients)
	h.mu.Unlock()
	metrics.HubClients.Set(float64(total))
	h.logger.Info("ws_hub: client connected", slog.Int("total_clients", total))

	if h.cfg.Pnl != nil {
		release, err := h.cfg.Pnl.Acquire(ctx)
		if err != nil {
			h.logger.Warn("ws_hub: pnl stream unavailable", slog.String("error", err.Error()))
		} else {
			c.release = release
		}
	}
	if h.cfg.Snapshot != nil {
		if payload, err := json.Marshal(h.cfg.Snapshot()); err == nil {
			c.enqueue(&frame{channel: domain.ChannelStatus, payload: payload})
		}
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.stop()
		metrics.HubClients.Set(float64(total))
		h.logger.Info("ws_hub: client disconnected", slog.Int("total_clients", total))
	}
}
