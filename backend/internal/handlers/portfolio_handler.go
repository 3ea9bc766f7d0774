package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/middleware"
)

// GetPortfolio returns the user's wallets with available balances and USD values.
func (h *Handler) GetPortfolio(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	portfolio, err := h.Orders.Portfolio(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(portfolio)
}

// DepositRequest credits a wallet. Only routed when deposits are enabled.
type DepositRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Deposit credits the user's wallet of an asset.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("cannot parse request body")
	}
	wallet, err := h.Orders.Deposit(c.UserContext(), userID, req.Asset, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(wallet)
}
