package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/transport/http/respond"
)

// CreateWallet opens a wallet for a user.
// POST /v1/wallets
func (h *Handler) CreateWallet(c echo.Context) error {
	var req domain.CreateWalletRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	wallet, err := h.service.CreateWallet(c.Request().Context(), req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusCreated, wallet)
}

// GetWallet returns a user's balances.
// GET /v1/wallets/:user_id
func (h *Handler) GetWallet(c echo.Context) error {
	wallet, err := h.service.GetWallet(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, wallet)
}

// AddCredits applies a purchase, bonus, refund or adjustment.
// POST /v1/wallets/:user_id/credits
func (h *Handler) AddCredits(c echo.Context) error {
	var req domain.AddCreditsRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	entry, wallet, err := h.service.AddCredits(c.Request().Context(), c.Param("user_id"), req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entry":  entry,
		"wallet": wallet,
	})
}

// ListLedger returns a user's ledger entries.
// GET /v1/wallets/:user_id/ledger?limit=
func (h *Handler) ListLedger(c echo.Context) error {
	entries, err := h.service.ListLedger(c.Request().Context(), c.Param("user_id"), queryInt(c, "limit", 100))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}
