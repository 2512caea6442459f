package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/transport/http/respond"
)

// CancelRun cancels a run.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	if err := h.service.CancelRun(ctx, runID); err != nil {
		return respond.Error(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"message": "run cancellation requested",
	})
}
