package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsWriteTimeout bounds a single WebSocket send.
const wsWriteTimeout = 10 * time.Second

// wsClientMessage is the client → server WebSocket message shape.
type wsClientMessage struct {
	Action       string `json:"action"` // "subscribe", "ping"
	SessionID    string `json:"session_id,omitempty"`
	LastEventSeq int64  `json:"last_event_seq,omitempty"`
}

// handleWebSocket upgrades the connection and serves session event
// subscriptions over it. One subscription at a time per connection —
// the session stream itself is single-subscriber.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := c.Request.Context()
	var cancelFeed context.CancelFunc
	defer func() {
		if cancelFeed != nil {
			cancelFeed()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.wsSend(ctx, conn, gin.H{"type": "error", "message": "invalid message"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			stream := s.hub.Get(msg.SessionID)
			if stream == nil {
				s.wsSend(ctx, conn, gin.H{"type": "subscription.error", "session_id": msg.SessionID,
					"message": "session not found or stream expired"})
				continue
			}
			if cancelFeed != nil {
				cancelFeed()
			}
			var feedCtx context.Context
			feedCtx, cancelFeed = context.WithCancel(ctx)
			s.wsSend(ctx, conn, gin.H{"type": "subscription.confirmed", "session_id": msg.SessionID})

			go func() {
				for evt := range stream.Subscribe(feedCtx, msg.LastEventSeq) {
					s.wsSend(feedCtx, conn, evt)
				}
			}()

		case "ping":
			s.wsSend(ctx, conn, gin.H{"type": "pong"})
		}
	}
}

// wsSend marshals and writes one message with a write timeout.
func (s *Server) wsSend(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "error", err)
	}
}
