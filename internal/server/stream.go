package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	streamWriteTimeout       = 10 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// streamEvent is the JSON frame pushed to websocket subscribers.
type streamEvent struct {
	Type      string         `json:"type"`
	Entity    syncer.Entity  `json:"entity,omitempty"`
	Record    syncer.Payload `json:"record,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("realtime stream opened", zap.String("user_id", userID))
	for {
		var event streamEvent
		select {
		case <-ctx.Done():
			return
		case <-closed:
			h.logger.Debug("realtime stream closed by client", zap.String("user_id", userID))
			return
		case message := <-messages:
			event = streamEvent{
				Type:      message.EventType,
				Entity:    message.Entity,
				Record:    message.Record,
				Timestamp: message.Timestamp.UnixMilli(),
			}
		case tick := <-ticker.C:
			event = streamEvent{Type: realtimeEventHeartbeat, Timestamp: tick.UnixMilli()}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug("realtime stream write failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
	}
}
