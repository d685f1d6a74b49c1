package main

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer
	pongWait = 30 * time.Second

	// Ping period, must be shorter than pongWait
	pingPeriod = 25 * time.Second

	// Clients only send pongs, never data
	maxMessageSize = 512
)

// Client is one WebSocket subscriber to a run's event stream.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	runID    string
	sinceSeq int64
	send     chan []byte
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, runID string, sinceSeq int64) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		runID:    runID,
		sinceSeq: sinceSeq,
		send:     make(chan []byte, 512),
	}
}

// readPump drains the connection to service ping/pong and detect
// disconnects; this is a server-push protocol.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers event frames and keepalive pings. Each record goes
// out as its own text frame so clients can parse frame-per-JSON.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
