// Package ws provides the realtime fan-out of order book snapshots: a Hub
// owning an explicit per-property subscriber registry, constructed once at
// process start and passed by reference to the transport layer.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openbrick/openbrick/pkg/metrics"
)

// Message carries one encoded book snapshot for one property.
type Message struct {
	PropertyID string
	Data       []byte
}

// Client represents a single subscriber connection, bound to one property.
type Client struct {
	propertyID string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
}

// Config holds connection tuning for the hub.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendQueueSize   int
}

// DefaultConfig returns sensible hub defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendQueueSize:   256,
	}
}

// Hub manages per-property subscriber rooms and snapshot delivery.
// Delivery is at-most-once: there is no replay, and a subscriber that
// cannot keep up is dropped without blocking the others.
type Hub struct {
	logger *zap.Logger
	cfg    Config

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	rooms map[string]map[*Client]struct{}

	upgrader websocket.Upgrader
}

// NewHub creates a Hub; Run must be started for it to deliver.
func NewHub(logger *zap.Logger, cfg Config) *Hub {
	return &Hub{
		logger:     logger,
		cfg:        cfg,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 1024),
		rooms:      make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run handles registration, unregistration, and broadcasting until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			room, ok := h.rooms[client.propertyID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[client.propertyID] = room
			}
			room[client] = struct{}{}
			metrics.WSClients.Inc()
		case client := <-h.unregister:
			if room, ok := h.rooms[client.propertyID]; ok {
				if _, sub := room[client]; sub {
					delete(room, client)
					close(client.send)
					metrics.WSClients.Dec()
					if len(room) == 0 {
						delete(h.rooms, client.propertyID)
					}
				}
			}
		case msg := <-h.broadcast:
			for c := range h.rooms[msg.PropertyID] {
				select {
				case c.send <- msg.Data:
				default:
					// Slow subscriber: skip this delivery rather than
					// block the rest of the room.
					h.logger.Warn("dropping snapshot for slow subscriber",
						zap.String("property_id", msg.PropertyID))
				}
			}
		}
	}
}

// Broadcast delivers a snapshot payload to every subscriber of a property.
func (h *Hub) Broadcast(propertyID string, data []byte) {
	h.broadcast <- Message{PropertyID: propertyID, Data: data}
}

// ServeWS upgrades the HTTP request and subscribes the connection to the
// given property until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, propertyID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		propertyID: propertyID,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendQueueSize),
		hub:        h,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// readPump consumes client frames. Clients may send keepalive frames;
// their content is discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	}
}

// writePump sends snapshots and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
