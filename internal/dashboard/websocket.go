package dashboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsHub fans appended entries out to live feed clients. A single goroutine
// owns the client set; everything else talks to it over channels.
type wsHub struct {
	clients map[*wsClient]struct{}

	broadcastCh  chan []byte
	registerCh   chan *wsClient
	unregisterCh chan *wsClient
	done         chan struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// The UI is served from the same origin; other origins are allowed so a
// local dev server can attach to the feed.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:      make(map[*wsClient]struct{}),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsClient),
		unregisterCh: make(chan *wsClient),
		done:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = struct{}{}
			slog.Debug("live feed client connected", "clients", len(h.clients))

		case c := <-h.unregisterCh:
			h.drop(c)

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; it can reload the page to catch up.
					h.drop(c)
				}
			}

		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *wsHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	slog.Debug("live feed client disconnected", "clients", len(h.clients))
}

// broadcast queues msg for all clients, dropping it if the queue is full.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (h *wsHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// handleWebSocket upgrades the connection and registers it with the hub.
// GET /dashboard/ws
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	select {
	case d.hub.registerCh <- c:
	case <-d.hub.done:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop(d.hub)
}

// writeLoop forwards queued entries and keeps the connection alive with
// pings. It exits when the hub closes send.
func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages; reading is how a disconnect or a
// missed pong is noticed.
func (c *wsClient) readLoop(h *wsHub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
