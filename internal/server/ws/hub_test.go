package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

type countingPnl struct {
	refs atomic.Int32
}

func (p *countingPnl) Acquire(context.Context) (func(), error) {
	p.refs.Add(1)
	return func() { p.refs.Add(-1) }, nil
}

func startHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("frame kind = %d, want binary", kind)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return st.AsMap()
}

func TestHubBinaryFrames(t *testing.T) {
	hub, url := startHub(t, Config{Snapshot: func() any { return map[string]any{"mode": "paper"} }})
	conn := dial(t, url+"/ws")

	status := readBinary(t, conn)
	if status["channel"] != domain.ChannelStatus || status["data"].(map[string]any)["mode"] != "paper" {
		t.Fatalf("status = %v", status)
	}

	hub.Publish(context.Background(), domain.ChannelBoxes, []byte(`{"kind":"trigger","box":{"id":"b1","p0":1.25}}`))
	msg := readBinary(t, conn)
	data := msg["data"].(map[string]any)
	if msg["channel"] != domain.ChannelBoxes || data["kind"] != "trigger" || data["box"].(map[string]any)["p0"] != 1.25 {
		t.Fatalf("message = %v", msg)
	}
}

func TestHubJSONFramesAndChannelFilter(t *testing.T) {
	hub, url := startHub(t, Config{Snapshot: func() any { return "hello" }})
	conn := dial(t, url+"/ws?format=json&channels=pnl,status")

	if _, data, err := conn.ReadMessage(); err != nil || string(data) != `{"channel":"status","data":"hello"}` {
		t.Fatalf("status frame %s, %v", data, err)
	}

	hub.Publish(context.Background(), domain.ChannelBoxes, []byte(`{"skip":true}`))
	hub.Publish(context.Background(), domain.ChannelPnl, []byte(`{"pnl_usd":3}`))

	kind, data, err := conn.ReadMessage()
	if err != nil || kind != websocket.TextMessage {
		t.Fatalf("read: kind %d err %v", kind, err)
	}
	var env struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	json.Unmarshal(data, &env)
	if env.Channel != domain.ChannelPnl || string(env.Data) != `{"pnl_usd":3}` {
		t.Fatalf("frame = %s", data)
	}
}

func TestHubSubscriptionMessages(t *testing.T) {
	hub, url := startHub(t, Config{Snapshot: func() any { return nil }})
	conn := dial(t, url+"/ws?format=json&channels=status")
	conn.ReadMessage()

	conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelPrices}})

	// The subscription is applied asynchronously; publish until it lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(context.Background(), domain.ChannelPrices, []byte(`1.5`))
			}
		}
	}()

	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != `{"channel":"prices","data":1.5}` {
		t.Fatalf("frame %s, %v", data, err)
	}
}

func TestHubHoldsPnlWhileConnected(t *testing.T) {
	pnl := &countingPnl{}
	hub, url := startHub(t, Config{Pnl: pnl, Snapshot: func() any { return nil }})

	a := dial(t, url+"/ws")
	a.ReadMessage()
	b := dial(t, url+"/ws")
	b.ReadMessage()
	if pnl.refs.Load() != 2 || hub.Clients() != 2 {
		t.Fatalf("refs %d clients %d", pnl.refs.Load(), hub.Clients())
	}

	a.Close()
	deadline := time.Now().Add(2 * time.Second)
	for (pnl.refs.Load() != 1 || hub.Clients() != 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pnl.refs.Load() != 1 || hub.Clients() != 1 {
		t.Fatalf("after close: refs %d clients %d", pnl.refs.Load(), hub.Clients())
	}
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	if channel == domain.ChannelPositions {
		return b.ch, nil
	}
	return make(chan []byte), nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestHubRelaysBus(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	_, url := startHub(t, Config{Bus: bus, Snapshot: func() any { return nil }})
	conn := dial(t, url+"/ws")
	readBinary(t, conn)

	bus.ch <- []byte(`[{"size":2}]`)
	msg := readBinary(t, conn)
	if msg["channel"] != domain.ChannelPositions {
		t.Fatalf("message = %v", msg)
	}
}
