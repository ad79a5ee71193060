package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodePriceUpdate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantOK  bool
		wantErr bool
		price   float64
	}{
		{
			name:   "price update",
			raw:    `{"type":"price_update","price_feed":{"id":"0xABCD","price":{"price":"15023","conf":"3","expo":-4,"publish_time":1700000000}}}`,
			wantOK: true,
			price:  1.5023,
		},
		{name: "subscription ack", raw: `{"type":"response","status":"success"}`},
		{name: "not json", raw: `hello`, wantErr: true},
		{
			name:    "bad mantissa",
			raw:     `{"type":"price_update","price_feed":{"id":"ab","price":{"price":"x","expo":-2}}}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok, err := DecodePriceUpdate([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok {
				if tick.InstrumentID != "abcd" || math.Abs(tick.Price-tt.price) > 1e-12 || tick.PublishTime != 1700000000 {
					t.Fatalf("tick = %+v", tick)
				}
			}
		})
	}
}

func priceMessage(id, mantissa string, ts int64) []byte {
	msg := map[string]any{
		"type": "price_update",
		"price_feed": map[string]any{
			"id":    id,
			"price": map[string]any{"price": mantissa, "conf": "1", "expo": -2, "publish_time": ts},
		},
	}
	b, _ := json.Marshal(msg)
	return b
}

func TestPriceFeedStreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeCommand, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","status":"success"}`))
		conn.WriteMessage(websocket.TextMessage, priceMessage("ffff", "999", 1))
		conn.WriteMessage(websocket.TextMessage, priceMessage("abcd", "150", 2))
		conn.WriteMessage(websocket.TextMessage, priceMessage("abcd", "175", 3))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var ticks []domain.PriceTick
	got := make(chan struct{}, 4)
	feed := NewPriceFeed(PriceFeedConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		InstrumentID: "0xABCD",
	}, testLogger(), func(_ context.Context, tick domain.PriceTick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
		got <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		if cmd.Type != "subscribe" || len(cmd.IDs) != 1 || cmd.IDs[0] != "abcd" {
			t.Fatalf("subscribe command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed never subscribed")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("ticks not delivered")
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 2 || ticks[0].Price != 1.5 || ticks[1].Price != 1.75 {
		t.Fatalf("ticks = %+v, want 1.5 then 1.75 for abcd only", ticks)
	}
	if last, ok := feed.Last(); !ok || last.Price != 1.75 {
		t.Fatalf("Last() = %+v %v", last, ok)
	}
}

func TestPriceFeedThrottles(t *testing.T) {
	var n int
	feed := NewPriceFeed(PriceFeedConfig{InstrumentID: "abcd", Throttle: time.Hour}, testLogger(),
		func(context.Context, domain.PriceTick) { n++ })

	for i := 0; i < 5; i++ {
		feed.emit(context.Background(), domain.PriceTick{InstrumentID: "abcd", Price: float64(i)})
	}
	if n != 1 {
		t.Fatalf("forwarded %d ticks inside one throttle window, want 1", n)
	}
}

func TestPriceFeedRequiresConfig(t *testing.T) {
	feed := NewPriceFeed(PriceFeedConfig{}, testLogger())
	if err := feed.Run(context.Background()); err == nil {
		t.Fatal("expected configuration error")
	}
}

type memPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *memPrices) SetPrice(_ context.Context, id string, price float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = map[string]float64{}
	}
	m.prices[id] = price
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, id string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[id]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *memBus) StreamAppend(context.Context, string, []byte) error      { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestFanoutDeliversEverywhere(t *testing.T) {
	prices := &memPrices{}
	bus := &memBus{}
	var sunk []float64
	var sunkAt time.Time
	f := NewFanout(prices, bus, testLogger(), func(p float64, at time.Time) {
		sunk = append(sunk, p)
		sunkAt = at
	})

	f.Handle(context.Background(), domain.PriceTick{InstrumentID: "abcd", Price: 1.25, PublishTime: 1700000000})

	if len(sunk) != 1 || sunk[0] != 1.25 || sunkAt.Unix() != 1700000000 {
		t.Fatalf("sink got %v at %v", sunk, sunkAt)
	}
	if p, _, err := prices.GetPrice(context.Background(), "abcd"); err != nil || p != 1.25 {
		t.Fatalf("cache = %v, %v", p, err)
	}
	msgs := bus.published[domain.ChannelPrices]
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	var ev priceEvent
	if err := json.Unmarshal(msgs[0], &ev); err != nil || ev.Price != 1.25 || ev.InstrumentID != "abcd" {
		t.Fatalf("event = %+v err = %v", ev, err)
	}
}
