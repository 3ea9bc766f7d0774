package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/middleware"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/settlement"
)

// CreateOrder places an order. POST /api/orders and /api/orders/execute share it.
func (h *Handler) CreateOrder(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	var req settlement.PlaceOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("cannot parse request body")
	}

	order, err := h.Orders.PlaceOrder(c.UserContext(), userID, req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

// GetOrders lists the user's orders, newest first.
// Query: status, pair, type, limit (default and max 100).
func (h *Handler) GetOrders(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}

	orders, err := h.Orders.ListOrders(c.UserContext(), userID, models.OrderFilter{
		Status: models.OrderStatus(c.Query("status")),
		Pair:   c.Query("pair"),
		Type:   models.OrderType(c.Query("type")),
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(orders)
}

func orderIDParam(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		// Malformed ids cannot name an order.
		return uuid.Nil, apperr.NotFound("order %q not found", c.Params("id"))
	}
	return id, nil
}

// GetOrderByID returns one of the user's orders.
func (h *Handler) GetOrderByID(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	orderID, err := orderIDParam(c)
	if err != nil {
		return err
	}

	order, err := h.Orders.GetOrder(c.UserContext(), userID, orderID)
	if err != nil {
		return err
	}
	return c.JSON(order)
}

// CancelOrder cancels an open order and releases its reservation.
func (h *Handler) CancelOrder(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	orderID, err := orderIDParam(c)
	if err != nil {
		return err
	}

	order, err := h.Orders.CancelOrder(c.UserContext(), userID, orderID)
	if err != nil {
		return err
	}
	return c.JSON(order)
}

// GetTrades lists the user's executions, newest first.
func (h *Handler) GetTrades(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}

	trades, err := h.Orders.ListTrades(c.UserContext(), userID, limit)
	if err != nil {
		return err
	}
	return c.JSON(trades)
}
