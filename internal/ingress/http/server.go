// Package http serves the ingress health check and the HTTP twin of the
// Ingress.PushEvent RPC.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/ingress/config"
	"github.com/xiaot623/archetype/internal/ingress/hub"
	"github.com/xiaot623/archetype/internal/ingress/protocol"
)

// Server is the internal HTTP server for ingress.
type Server struct {
	echo *echo.Echo
	hub  *hub.Hub
	cfg  *config.Config
}

// NewServer creates a new internal HTTP server.
func NewServer(h *hub.Hub, cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		hub:  h,
		cfg:  cfg,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.POST("/internal/send", s.handleInternalSend)

	return s
}

// Echo returns the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"sessions":    s.hub.GetSessionCount(),
	})
}

// SendRequest represents the request body for POST /internal/send.
type SendRequest struct {
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
}

// SendResponse represents the response for POST /internal/send.
type SendResponse struct {
	OK        bool             `json:"ok"`
	Type      domain.EventType `json:"type"`
	Delivered bool             `json:"delivered"`
	Dropped   bool             `json:"dropped,omitempty"`
}

// handleInternalSend is the HTTP twin of the Ingress.PushEvent RPC.
func (s *Server) handleInternalSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	if len(req.Event) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}

	ev, err := protocol.DecodeEvent(req.Event)
	if err != nil {
		slog.Warn("rejected event", "session_id", req.SessionID, "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	resp := SendResponse{OK: true, Type: ev.Type}
	if s.cfg != nil && !s.cfg.Forwards(ev.Type) {
		resp.Dropped = true
		return c.JSON(http.StatusOK, resp)
	}

	resp.Delivered, err = s.hub.Deliver(req.SessionID, req.Event)
	if err != nil {
		slog.Warn("failed to deliver event", "session_id", req.SessionID, "run_id", ev.RunID, "type", ev.Type, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if ev.Type.IsBilling() {
		slog.Info("billing event sent", "session_id", req.SessionID, "run_id", ev.RunID, "type", ev.Type, "delivered", resp.Delivered)
	}
	return c.JSON(http.StatusOK, resp)
}
