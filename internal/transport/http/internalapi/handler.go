// Package internalapi provides HTTP handlers for internal orchestrator APIs.
// These APIs are only accessible to the ingress service.
package internalapi

import (
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/service"
)

// Handler handles internal HTTP requests from ingress.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Agent loop
	e.POST("/internal/chat", h.Chat)

	// Run management
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)
}
