package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/transport/http/respond"
)

// Chat drives a user message through the agent loop. Streaming output is
// pushed to ingress while the request is open; the response carries the
// settled summary.
// POST /internal/chat
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	resp, err := h.service.Chat(c.Request().Context(), req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
