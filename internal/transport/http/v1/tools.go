package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/transport/http/respond"
)

// InvokeTool runs a tool on behalf of a run.
// POST /v1/tools/:tool_name/invoke
func (h *Handler) InvokeTool(c echo.Context) error {
	toolName := c.Param("tool_name")
	var req domain.ToolInvokeRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	resp, err := h.service.InvokeTool(c.Request().Context(), toolName, req)
	if err != nil {
		return respond.Error(c, err)
	}
	// Tool failures are reported in the body, not the status.
	return c.JSON(http.StatusOK, resp)
}

// ListTools lists the registered tools.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.ListTools())
}
