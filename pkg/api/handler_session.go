package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/events"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
)

// lastEventSeqHeader lets a reconnecting client resume the stream from
// its last acknowledged sequence number.
const lastEventSeqHeader = "Last-Event-Seq"

// handleStartSession starts a session and streams its events back as
// newline-delimited JSON until the terminal event.
func (s *Server) handleStartSession(c *gin.Context) {
	var req models.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	req.UserID = c.GetString(ctxUserID)
	req.GatewayKey = c.GetString(ctxGatewayKey)

	handle := s.starter.Start(req)
	c.Header("X-Session-ID", handle.SessionID)
	s.streamNDJSON(c, handle.Stream, 0)
}

// handleSessionEvents reattaches a subscriber to a running (or
// recently terminated) session's stream, resuming after the sequence
// number in the Last-Event-Seq header.
func (s *Server) handleSessionEvents(c *gin.Context) {
	stream := s.hub.Get(c.Param("id"))
	if stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found or stream expired"})
		return
	}

	fromSeq := int64(0)
	if raw := c.GetHeader(lastEventSeqHeader); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + lastEventSeqHeader})
			return
		}
		fromSeq = parsed
	}
	s.streamNDJSON(c, stream, fromSeq)
}

// handleStopSession asks the orchestrator to cancel a session.
// Returns 202 when the session was running.
func (s *Server) handleStopSession(c *gin.Context) {
	if !s.starter.Stop(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session is not running"})
		return
	}
	c.Status(http.StatusAccepted)
}

// handleGetSession returns the persisted message record of a
// terminated session.
func (s *Server) handleGetSession(c *gin.Context) {
	rec, err := s.messages.GetMessage(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record for session"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// streamNDJSON writes one JSON-encoded event per line, flushing after
// each, until the stream terminates or the client goes away.
func (s *Server) streamNDJSON(c *gin.Context, stream *events.Stream, fromSeq int64) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	enc := json.NewEncoder(c.Writer)

	ch := stream.Subscribe(c.Request.Context(), fromSeq)
	for evt := range ch {
		if err := enc.Encode(evt); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
