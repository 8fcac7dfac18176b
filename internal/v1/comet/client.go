package comet

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// wsConnection is the slice of *websocket.Conn the client uses; narrowed so
// tests can drive the pumps with a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one authenticated WebSocket connection on this edge.
type Client struct {
	conn wsConnection
	hub  *Hub

	ConnID string
	User   protocol.UserInfo

	// mu orders sends against the channel close: Send holds the read side
	// across the enqueue and Disconnect closes under the write side, so a
	// broadcast can never race into a closed channel.
	mu     sync.RWMutex
	closed bool

	send chan []byte
}

func newClient(hub *Hub, conn wsConnection, connID string, user protocol.UserInfo) *Client {
	return &Client{
		conn:   conn,
		hub:    hub,
		ConnID: connID,
		User:   user,
		send:   make(chan []byte, sendBufferSize),
	}
}

// Send queues data for the write pump without blocking. Messages to a full
// or closed client are dropped; the room topic is not allowed to stall on
// one slow reader.
func (c *Client) Send(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "send buffer full, dropping message",
			zap.String("conn_id", c.ConnID))
		return false
	}
}

// Disconnect closes the send channel, which lets the write pump flush its
// buffer, emit the close frame and tear the socket down. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeWithCode sends a close frame with a protocol close code before the
// connection drops. Used for parse and auth failures.
func (c *Client) closeWithCode(code int, reason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// readPump decodes envelopes off the socket and hands them to the hub
// router. A malformed frame closes the connection with code 1002.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Disconnect()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// The protocol is JSON text only.
		if messageType != websocket.TextMessage {
			metrics.EnvelopesTotal.WithLabelValues("binary", "rejected").Inc()
			c.closeWithCode(websocket.CloseUnsupportedData, "binary frames not supported")
			return
		}

		env, err := protocol.Decode(data)
		if err != nil || env.Type == "" {
			metrics.EnvelopesTotal.WithLabelValues("invalid", "rejected").Inc()
			c.closeWithCode(websocket.CloseProtocolError, "invalid payload")
			return
		}

		c.hub.route(context.Background(), c, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "write failed",
				zap.String("conn_id", c.ConnID), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
