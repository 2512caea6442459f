// Package v1 provides the external HTTP API of the orchestrator.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Wallets and ledger
	e.POST("/v1/wallets", h.CreateWallet)
	e.GET("/v1/wallets/:user_id", h.GetWallet)
	e.POST("/v1/wallets/:user_id/credits", h.AddCredits)
	e.GET("/v1/wallets/:user_id/ledger", h.ListLedger)

	// Run lifecycle
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/pause", h.PauseRun)
	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)
	e.POST("/v1/runs/:run_id/complete", h.CompleteRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/workflow", h.GetWorkflow)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)

	// Tool API
	e.GET("/v1/tools", h.ListTools)
	e.POST("/v1/tools/:tool_name/invoke", h.InvokeTool)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
