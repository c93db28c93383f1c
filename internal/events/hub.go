package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client is one websocket connection registered with a Hub.
type Client struct {
	conn    *websocket.Conn
	account string // empty receives every account
	mu      sync.Mutex
}

// Conn returns the underlying connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub relays bus events to websocket clients as JSON text frames.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
	logger     *slog.Logger
}

// NewHub creates a hub accepting at most maxClients connections.
func NewHub(maxClients int, logger *slog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*Client]struct{}), maxClients: maxClients, logger: logger}
}

// Register adds conn. When the hub is full the connection is closed with
// a policy violation and nil is returned. A non-empty account limits the
// client to that account's events.
func (h *Hub) Register(conn *websocket.Conn, account string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		h.logger.Warn("websocket: too many connections, closing new connection", "max", h.maxClients)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return nil
	}
	c := &Client{conn: conn, account: account}
	h.clients[c] = struct{}{}
	return c
}

// Unregister removes c and closes its connection.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Send writes e to every interested client. Clients that fail to accept
// the write are unregistered.
func (h *Hub) Send(e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("websocket: marshal event", "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.account == "" || e.Account == "" || c.account == e.Account {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(msg); err != nil {
			h.logger.Debug("websocket: write failed", "error", err)
			go h.Unregister(c)
		}
	}
}

// ActiveConnections returns the number of registered clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run forwards bus events to clients until ctx is done.
func (h *Hub) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe(DefaultBuffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.Send(e)
		}
	}
}

// ReadLoop drains client frames until the connection closes, then
// unregisters the client.
func (h *Hub) ReadLoop(c *Client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Unregister(c)
}
