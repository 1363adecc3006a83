// Package ws pushes engine events to connected WebSocket clients. Events are
// addressed to channels: "orderbook.<SYMBOL>" is public, "user.<id>" is
// delivered only to that user's connections.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"spotex/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type client struct {
	conn   *websocket.Conn
	userID int64 // 0 when unauthenticated
	mu     sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected clients and fans events out to them. It satisfies the
// engine's Notifier interface.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*client]bool), logger: logger}
}

// Handler upgrades the request to a WebSocket connection. identify extracts
// the caller's user id from the request (0 for anonymous clients, which then
// only receive public channels).
func (h *Hub) Handler(identify func(r *http.Request) int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := identify(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		c := &client{conn: conn, userID: userID}
		h.mu.Lock()
		h.clients[c] = true
		h.mu.Unlock()

		// Drain the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}
}

type envelope struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

// Publish sends an event to every client subscribed to the channel.
// "user.<id>" channels reach only that user's connections.
func (h *Hub) Publish(channel, event string, data any) {
	msg, err := json.Marshal(envelope{Channel: channel, Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal event", "channel", channel, "event", event, "error", err)
		return
	}

	var private int64
	if id, ok := strings.CutPrefix(channel, "user."); ok {
		fmt.Sscanf(id, "%d", &private)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if private != 0 && c.userID != private {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var dead []*client
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			h.logger.Warn("failed to send message", "error", err)
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
		}
		h.mu.Unlock()
	}
}

// OrderPlaced broadcasts an order-book change for the symbol.
func (h *Hub) OrderPlaced(symbol string) {
	h.Publish("orderbook."+symbol, "order.placed", map[string]string{"symbol": symbol})
}

// OrderMatched delivers the trade to buyer and seller individually.
func (h *Hub) OrderMatched(buyerID, sellerID int64, trade *models.Trade) {
	payload := map[string]any{"trade": trade}
	h.Publish(fmt.Sprintf("user.%d", buyerID), "order.matched", payload)
	if sellerID != buyerID {
		h.Publish(fmt.Sprintf("user.%d", sellerID), "order.matched", payload)
	}
}
