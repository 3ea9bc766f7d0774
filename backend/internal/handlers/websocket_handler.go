package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	internalws "github.com/user/spotexchange/backend/internal/websocket"
	"go.uber.org/zap"
)

// PriceWSEndpoint is the handler for the WebSocket price feed. The feed is public.
// New clients first receive a snapshot of the current prices. The handler blocks
// for the lifetime of the connection.
func (h *Handler) PriceWSEndpoint(c *websocket.Conn) {
	prices := map[string]decimal.Decimal{}
	if h.Ticker != nil {
		prices = h.Ticker.Prices()
	}
	snapshot, err := internalws.Snapshot(prices)
	if err != nil {
		h.Logger.Error("Error encoding price snapshot", zap.Error(err))
		snapshot = nil
	}

	addr := c.RemoteAddr().String()
	h.Logger.Debug("WebSocket connection established", zap.String("addr", addr))
	h.Hub.Serve(c, addr, snapshot)
	h.Logger.Debug("WebSocket connection closed", zap.String("addr", addr))
}
