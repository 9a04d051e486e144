package hub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait = 10 * time.Second

	// A chunk's base64-inflated payload plus envelope overhead comfortably
	// fits well under this; generous rather than tight since a rejected
	// frame here has no retry path other than the sender's own backoff.
	maxMessageSize = 2 * 1024 * 1024
)

// connState is the per-connection state readPump/dispatch share:
// whether REGISTER has completed yet, and under what identity.
type connState struct {
	clientID   string
	remoteAddr string
}

// Client is one endpoint's WebSocket connection. It implements
// endpoint.Sender so the registry can address it without importing
// this package.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
}

// Send queues frame for the write pump. It never blocks: a full buffer
// means the peer isn't draining fast enough, and the frame is dropped
// with an error rather than blocking other transfers. Send does not
// close the connection itself.
func (c *Client) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("hub: send buffer full, dropping frame")
	}
}

// Close tears down the connection exactly once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writePump() {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) readPump(cs *connState) {
	defer func() {
		if cs.clientID != "" {
			c.hub.registry.Unregister(cs.clientID)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.hub.handleFrame(c, cs, raw)
	}
}
