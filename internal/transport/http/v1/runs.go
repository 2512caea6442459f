package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/transport/http/respond"
)

// StartRun reserves credits and opens a run.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var in domain.StartRunInput
	if err := c.Bind(&in); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	result, err := h.service.StartRun(c.Request().Context(), in)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// GetRun returns a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	if run == nil {
		return respond.Error(c, store.ErrRunNotFound)
	}
	return c.JSON(http.StatusOK, run)
}

// PauseRun parks a running run.
// POST /v1/runs/:run_id/pause
func (h *Handler) PauseRun(c echo.Context) error {
	var req domain.PauseRunRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	run, err := h.service.PauseRun(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ResumeRun re-reserves credits for a paused run.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	var req domain.ResumeRunRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	resp, err := h.service.ResumeRun(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// CompleteRun settles a run.
// POST /v1/runs/:run_id/complete
func (h *Handler) CompleteRun(c echo.Context) error {
	var in domain.CompleteRunInput
	if err := c.Bind(&in); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	in.RunID = c.Param("run_id")

	rec, err := h.service.CompleteRun(c.Request().Context(), in)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// GetWorkflow returns the workflow state of a run.
// GET /v1/runs/:run_id/workflow
func (h *Handler) GetWorkflow(c echo.Context) error {
	view, err := h.service.GetWorkflow(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, view)
}
