// Package api exposes the deliberation engine over HTTP: session
// start (a chunked NDJSON event stream), stop, record retrieval, a
// WebSocket reattach transport, health, and metrics.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/events"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/orchestrator"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/pkg/telemetry"
)

// SessionStarter is the orchestrator surface the API drives.
type SessionStarter interface {
	Start(req models.StartSessionRequest) *orchestrator.Handle
	Stop(sessionID string) bool
}

// MessageGetter loads persisted message records.
type MessageGetter interface {
	GetMessage(ctx context.Context, sessionID string) (*models.MessageRecord, error)
}

// Server wires the HTTP routes.
type Server struct {
	router   *gin.Engine
	starter  SessionStarter
	messages MessageGetter
	hub      *events.Hub
	db       *sql.DB // nil disables the DB section of /health
}

// NewServer creates the API server and registers all routes.
func NewServer(starter SessionStarter, messages MessageGetter, hub *events.Hub, db *sql.DB) *Server {
	s := &Server{
		router:   gin.New(),
		starter:  starter,
		messages: messages,
		hub:      hub,
		db:       db,
	}
	s.router.Use(gin.Recovery())

	v1 := s.router.Group("/api/v1")
	v1.Use(requireIdentity())
	{
		v1.POST("/sessions", s.handleStartSession)
		v1.GET("/sessions/:id/events", s.handleSessionEvents)
		v1.POST("/sessions/:id/stop", s.handleStopSession)
		v1.GET("/sessions/:id", s.handleGetSession)
	}

	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	return s
}

// Handler returns the http.Handler for serving.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server.
func (s *Server) Run(addr string) error { return s.router.Run(addr) }

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":          "healthy",
		"active_sessions": s.hub.Active(),
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := store.Health(ctx, s.db)
		resp["database"] = dbHealth
		if err != nil {
			resp["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}
