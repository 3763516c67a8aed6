package controller

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sensorhub-server/internal/modules/readings/hub"
	"sensorhub-server/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
)

// handleWebSocket registers the connection as a push subscriber. The
// subscription exists before the handshake completes, so a client never
// misses a reading published after its dial returns. Inbound frames are read
// only to observe pongs and closes.
func (c *readingsControllerImpl) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		utils.WriteError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	sub := c.service.Subscribe(r.Context())
	defer c.service.Unsubscribe(sub)

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	slog.Debug("websocket connected", "remote", r.RemoteAddr, "subscriber_id", sub.ID)

	done := make(chan struct{})
	go c.readPump(conn, done)
	c.writePump(conn, sub, done)

	slog.Debug("websocket disconnected", "remote", r.RemoteAddr, "subscriber_id", sub.ID)
}

func (c *readingsControllerImpl) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pongWait := 2 * c.pingInterval
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (c *readingsControllerImpl) writePump(conn *websocket.Conn, sub *hub.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				// Dropped by the hub or server shutting down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("websocket write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("websocket ping failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}
