package controlplane

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/artemis/pullhub/internal/observability"
	"github.com/artemis/pullhub/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var broadcastUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// broadcastClient is one operator's subscription to the update feed.
type broadcastClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster fans transfer status transitions out to every connected
// operator UI over WebSocket, separate from the endpoint message hub.
// It implements transfer.Observer so the Manager can notify it without
// depending on this package.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*broadcastClient]bool
	logger  *observability.Logger
}

// NewBroadcaster creates an empty Broadcaster ready to accept
// subscribers and observe transfer updates.
func NewBroadcaster(logger *observability.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*broadcastClient]bool),
		logger:  logger,
	}
}

// OnTransferUpdate implements transfer.Observer.
func (b *Broadcaster) OnTransferUpdate(transferID, endpointID string, status transfer.Status) {
	b.publish(gin.H{
		"type":       "transfer_update",
		"transferId": transferID,
		"clientId":   endpointID,
		"status":     string(status),
	})
}

func (b *Broadcaster) publish(event gin.H) {
	message, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to marshal broadcast event", zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client.send <- message:
		default:
			b.logger.Warn("operator broadcast buffer full, dropping message")
		}
	}
}

// handleStream upgrades an operator's HTTP connection to WebSocket and
// streams transfer_update events until they disconnect.
func (b *Broadcaster) handleStream(c *gin.Context) {
	conn, err := broadcastUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Warn("failed to upgrade operator stream", zap.Error(err))
		return
	}

	client := &broadcastClient{conn: conn, send: make(chan []byte, 64)}

	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	go b.writePump(client)
	go b.readPump(client)
}

func (b *Broadcaster) readPump(client *broadcastClient) {
	defer b.disconnect(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(client *broadcastClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) disconnect(client *broadcastClient) {
	b.mu.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.send)
	}
	b.mu.Unlock()
}
