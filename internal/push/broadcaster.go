// Package push delivers payment status updates to connected users over WebSocket.
package push

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single write to a client.
const writeWait = 5 * time.Second

// Update is a payment status message sent to a user.
type Update struct {
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	// Final is true when no further updates will follow for this payment.
	Final bool `json:"final"`
}

// Conn is the part of *websocket.Conn the broadcaster writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

type client struct {
	conn Conn
	// gorilla connections allow one concurrent writer
	mu sync.Mutex
}

// Broadcaster tracks WebSocket connections per user and fans updates out to them.
type Broadcaster struct {
	mu          sync.RWMutex
	connections map[string]map[Conn]*client // userID -> connections
	logger      *slog.Logger
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		connections: make(map[string]map[Conn]*client),
		logger:      logger,
	}
}

// Subscribe registers a connection for a user.
func (b *Broadcaster) Subscribe(userID string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connections[userID] == nil {
		b.connections[userID] = make(map[Conn]*client)
	}
	b.connections[userID][conn] = &client{conn: conn}
}

// Unsubscribe removes a connection from every user it was registered for.
func (b *Broadcaster) Unsubscribe(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID, conns := range b.connections {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.connections, userID)
		}
	}
}

// Publish sends an update to every connection of the user. Delivery is
// best-effort: write failures are logged and the connection is left for
// the reader loop to clean up.
func (b *Broadcaster) Publish(userID string, update Update) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.connections[userID]))
	for _, c := range b.connections[userID] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	// Serialize once
	data, err := json.Marshal(update)
	if err != nil {
		b.logger.Error("failed to marshal payment update", slog.String("error", err.Error()))
		return
	}

	for _, c := range clients {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			b.logger.Warn("failed to send payment update",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
}

// ConnectionCount returns the number of open connections for a user.
func (b *Broadcaster) ConnectionCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections[userID])
}
