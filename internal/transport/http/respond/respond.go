// Package respond maps service errors to HTTP responses.
package respond

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/service"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrWalletNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, service.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrWalletExists),
		errors.Is(err, store.ErrRunNotRunning),
		errors.Is(err, store.ErrRunNotPaused),
		errors.Is(err, store.ErrRunCompleted),
		errors.Is(err, store.ErrInsufficientReserved),
		errors.Is(err, store.ErrAlreadyAllocated),
		errors.Is(err, service.ErrRunBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as a JSON error body.
func Error(c echo.Context, err error) error {
	status := Status(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// BadRequest writes a 400 with msg.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
