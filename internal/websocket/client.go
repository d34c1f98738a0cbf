package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Tabs only send small command frames
	maxMessageSize = 4 * 1024
)

// Client is one connected tab.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound frames, closed by the hub. closed is
	// guarded by hub.mu.
	send   chan []byte
	closed bool

	ID string
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		ID:   uuid.NewString(),
	}
}

// enqueue queues frame without blocking. It is safe from any goroutine;
// frames for a tab the hub already dropped are discarded.
func (c *Client) enqueue(frame []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// fail reports a rejected command to this tab only.
func (c *Client) fail(reason string) {
	frame, _ := json.Marshal(Event{Type: TypeError, Error: reason})
	c.enqueue(frame)
}

// ReadPump reads command frames from the tab until the connection closes.
// This runs in its own goroutine per client
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("tab read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		c.hub.handle(ctx, c, message)
	}
}

// WritePump writes queued frames to the tab and keeps it alive with pings.
// This runs in its own goroutine per client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per event; tabs parse each frame as a JSON document
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
