package handlers

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/pricing"
)

const maxPriceSymbols = 50

// GetPrices resolves a comma separated list of symbols in one batch, sorted by symbol.
func (h *Handler) GetPrices(c *fiber.Ctx) error {
	var symbols []string
	for _, s := range strings.Split(c.Query("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return apperr.ValidationFields([]apperr.FieldError{{Field: "symbols", Message: "symbols is required"}})
	}
	if len(symbols) > maxPriceSymbols {
		return apperr.ValidationFields([]apperr.FieldError{{Field: "symbols", Message: "at most 50 symbols per request"}})
	}

	quotes, err := h.Prices.Prices(c.UserContext(), symbols)
	if err != nil {
		return err
	}
	out := make([]pricing.Quote, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return c.JSON(out)
}

// GetPrice resolves a single symbol.
func (h *Handler) GetPrice(c *fiber.Ctx) error {
	quote, err := h.Prices.Price(c.UserContext(), c.Params("symbol"))
	if err != nil {
		return err
	}
	return c.JSON(quote)
}
