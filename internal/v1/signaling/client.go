package signaling

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shadow-nexus/server/internal/v1/logging"
)

const (
	// writeWait is the deadline for one outbound frame.
	writeWait = 10 * time.Second

	// pongWait bounds the gap between pongs before the transport is
	// considered dead.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxEventSize bounds one inbound event. Data frames carry SDP
	// offers and ICE candidates, which stay well under this.
	maxEventSize = 512 << 10

	sendQueueDepth = 64
)

// Client is one signaling transport. sid is minted at upgrade time and
// is the identity every event is validated against.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	sid  string
	name string
	room *Room

	send chan []byte
}

// enqueue serializes an event onto the outbound queue. A full queue
// drops the event; the ping/pong cycle reaps a transport that stopped
// draining.
func (c *Client) enqueue(event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "event encode failed",
			zap.String("sid", c.sid), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "event queue full, dropping",
			zap.String("sid", c.sid))
	}
}

// readPump consumes events until the transport dies. Transport close
// counts as leaving the last joined room.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		close(c.send)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxEventSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "signaling read failed",
					zap.String("sid", c.sid), zap.Error(err))
			}
			return
		}
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			logging.Warn(context.Background(), "invalid signaling event",
				zap.String("sid", c.sid), zap.Error(err))
			continue
		}
		c.hub.handleEvent(c, event)
	}
}

// writePump drains the send queue and keeps the transport alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
