package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	json    bool
	send    chan *frame
	done    chan struct{}
	release func()

	mu   sync.RWMutex
	subs map[string]bool

	stopOnce sync.Once
}

// subscribeMsg changes the client's channel set:
//
//	{"action":"subscribe","channels":["pnl"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

func newClient(h *Hub, conn *websocket.Conn, jsonFrames bool, channels []string) *client {
	c := &client{
		hub:  h,
		conn: conn,
		json: jsonFrames,
		send: make(chan *frame, sendBufferSize),
		done: make(chan struct{}),
		subs: make(map[string]bool),
	}
	var wanted []string
	for _, v := range channels {
		wanted = append(wanted, strings.Split(v, ",")...)
	}
	if len(wanted) == 0 {
		wanted = Channels
	}
	for _, ch := range wanted {
		if ch = strings.TrimSpace(ch); ch != "" {
			c.subs[ch] = true
		}
	}
	return c
}

// stop releases the client's resources. Safe to call more than once.
func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.release != nil {
			c.release()
		}
	})
}

// enqueue drops the frame when the client is too slow to keep up.
func (c *client) enqueue(f *frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.hub.logger.Warn("ws_hub: dropping message for slow client", slog.String("channel", f.channel))
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel] || c.subs["*"]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws_hub: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case f := <-c.send:
			f.encode()
			if f.err != nil {
				c.hub.logger.Warn("ws_hub: encode failed",
					slog.String("channel", f.channel),
					slog.String("error", f.err.Error()),
				)
				continue
			}
			kind, data := websocket.BinaryMessage, f.binary
			if c.json {
				kind, data = websocket.TextMessage, f.text
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(kind, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
