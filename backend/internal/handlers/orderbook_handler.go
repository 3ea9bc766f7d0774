package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/user/spotexchange/backend/internal/pricing"
)

const (
	defaultDepthLevels = 20
	maxDepthLevels     = 100
)

// GetOrderBookDepth returns the aggregated resting orders of a pair.
// This endpoint is public.
func (h *Handler) GetOrderBookDepth(c *fiber.Ctx) error {
	pair, err := pricing.ParsePair(c.Params("symbol"))
	if err != nil {
		return err
	}
	levels, err := queryInt(c, "levels", defaultDepthLevels)
	if err != nil {
		return err
	}
	if levels == 0 || levels > maxDepthLevels {
		levels = maxDepthLevels
	}
	return c.JSON(h.Book.GetBookDepth(pair.Symbol(), levels))
}
