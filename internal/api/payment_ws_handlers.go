package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/push"
)

// Client messages are ignored; the read loop only watches for disconnects.
const (
	wsMaxMessageBytes = 512
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = wsPongWait * 9 / 10
)

// PushHub registers websocket connections for a user. *push.Broadcaster implements it.
type PushHub interface {
	Subscribe(userID string, conn push.Conn)
	Unsubscribe(conn push.Conn)
}

// PaymentWebSocketHandlers serves the payment status push channel.
type PaymentWebSocketHandlers struct {
	hub      PushHub
	upgrader websocket.Upgrader
}

// NewPaymentWebSocketHandlers creates a new PaymentWebSocketHandlers instance.
// An empty allowedOrigins accepts any origin.
func NewPaymentWebSocketHandlers(hub PushHub, allowedOrigins []string) *PaymentWebSocketHandlers {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &PaymentWebSocketHandlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Subscribe streams payment status updates for the caller until they disconnect.
// GET /ws/payments
func (h *PaymentWebSocketHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.WarnContext(ctx, "failed to upgrade websocket connection", "user_id", userID, "error", err)
		return
	}

	h.hub.Subscribe(userID, conn)
	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "payment updates subscribed", "user_id", userID, "request_id", requestID)

	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unsubscribe(conn)
		conn.Close()
		slog.InfoContext(ctx, "payment updates unsubscribed", "user_id", userID, "request_id", requestID)
	}()

	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go ping(conn, done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "websocket connection closed unexpectedly", "user_id", userID, "error", err)
			}
			return
		}
	}
}

// ping keeps the connection alive until done is closed.
func ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
