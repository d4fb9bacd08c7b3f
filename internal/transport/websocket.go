package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentry/internal/events"
	"agentry/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Upgrader is the shared websocket upgrader. Origin checking is left to the
// CORS layer in front of the upgrade handler.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn is one user's live websocket connection. It implements the event
// bridge's Transport: Deliver hands the event to the write pump, and a full
// or closed connection returns an error so the caller can queue instead.
type WSConn struct {
	userID string
	conn   *websocket.Conn
	logger logging.Logger

	send      chan events.Event
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(userID string)
}

// NewWSConn wraps an upgraded connection. onClose fires once when the
// connection shuts down, from either side.
func NewWSConn(userID string, conn *websocket.Conn, logger logging.Logger, onClose func(userID string)) *WSConn {
	return &WSConn{
		userID:  userID,
		conn:    conn,
		logger:  logging.OrNop(logger),
		send:    make(chan events.Event, sendBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Deliver queues the event for the write pump. It never blocks past ctx: a
// connection that cannot accept the event right now reports an error.
func (c *WSConn) Deliver(ctx context.Context, event events.Event) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection for user %s is closed", c.userID)
	default:
	}
	select {
	case c.send <- event:
		return nil
	case <-c.done:
		return fmt.Errorf("connection for user %s is closed", c.userID)
	case <-ctx.Done():
		return fmt.Errorf("delivering to user %s: %w", c.userID, ctx.Err())
	}
}

// Run starts the read and write pumps and blocks until the connection
// closes.
func (c *WSConn) Run() {
	go c.writePump()
	c.readPump()
}

// Close shuts the connection down. Safe to call more than once.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.userID)
		}
	})
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("Write to user %s failed: %v", c.userID, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump discards inbound frames; the event stream is one way. It exists
// to service pings and to notice when the peer goes away.
func (c *WSConn) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Connection for user %s closed unexpectedly: %v", c.userID, err)
			}
			return
		}
	}
}
