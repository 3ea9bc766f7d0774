// Package orderbook indexes resting LIMIT and STOP_LIMIT orders per pair. It
// serves depth snapshots and, fed with live prices, fills orders whose limit the
// market crosses. Orders never match against each other.
package orderbook

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/metrics"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/ticker"
	"go.uber.org/zap"
)

// Filler settles a resting order at price.
type Filler interface {
	FillOrder(ctx context.Context, orderID uuid.UUID, price decimal.Decimal) (*models.Order, error)
}

// Manager holds and manages multiple OrderBook instances.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	books map[string]*OrderBook // Key: pair symbol (e.g., "BTCUSDT")
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger,
		books:  make(map[string]*OrderBook),
	}
}

// GetOrCreateBook retrieves an existing order book or creates a new one for the symbol.
func (m *Manager) GetOrCreateBook(symbol string) *OrderBook {
	symbol = strings.ToUpper(symbol)
	m.mu.RLock()
	book, exists := m.books[symbol]
	m.mu.RUnlock()
	if exists {
		return book
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check in case it was created between RUnlock and Lock
	if book, exists = m.books[symbol]; exists {
		return book
	}
	book = NewOrderBook(symbol)
	m.books[symbol] = book
	return book
}

func (m *Manager) book(symbol string) (*OrderBook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[strings.ToUpper(symbol)]
	return book, ok
}

// Add indexes an OPEN or PARTIALLY_FILLED order. Other statuses are ignored.
func (m *Manager) Add(order *models.Order) {
	if order.Status.Terminal() {
		return
	}
	if m.GetOrCreateBook(order.Pair).Add(order) {
		metrics.RestingOrders.Inc()
		m.logger.Debug("Order added to book", zap.Stringer("order_id", order.ID), zap.String("pair", order.Pair))
	}
}

// Remove drops an order from its book.
func (m *Manager) Remove(order *models.Order) {
	book, ok := m.book(order.Pair)
	if !ok {
		return
	}
	if book.Remove(order.ID) {
		metrics.RestingOrders.Dec()
		m.logger.Debug("Order removed from book", zap.Stringer("order_id", order.ID), zap.String("pair", order.Pair))
	}
}

// Load indexes every order, typically the open orders read from the store at startup.
func (m *Manager) Load(orders []*models.Order) {
	for _, o := range orders {
		m.Add(o)
	}
	m.logger.Info("Loaded resting orders", zap.Int("count", len(orders)))
}

// GetBookDepth returns the depth for a specific symbol. Unknown symbols have an empty book.
func (m *Manager) GetBookDepth(symbol string, levels int) *OrderBookDepth {
	if book, ok := m.book(symbol); ok {
		return book.GetDepth(levels)
	}
	return &OrderBookDepth{Symbol: strings.ToUpper(symbol), Bids: []BookLevel{}, Asks: []BookLevel{}}
}

// OnPrice fills, at their limit price, the orders of symbol that price crosses.
// It returns how many orders were filled.
func (m *Manager) OnPrice(ctx context.Context, filler Filler, symbol string, price decimal.Decimal) int {
	book, ok := m.book(symbol)
	if !ok {
		return 0
	}

	filled := 0
	for _, o := range book.Crossed(price) {
		order := o
		_, err := filler.FillOrder(ctx, order.ID, order.Price.Decimal)
		switch {
		case err == nil:
			filled++
			metrics.TriggeredFills.WithLabelValues("filled").Inc()
		case errors.Is(err, apperr.ErrNotCancellable), errors.Is(err, apperr.ErrNotFound):
			// Cancelled or filled elsewhere since it was indexed.
			m.Remove(&order)
			metrics.TriggeredFills.WithLabelValues("stale").Inc()
		default:
			metrics.TriggeredFills.WithLabelValues("error").Inc()
			m.logger.Warn("Triggered fill failed, will retry on next price",
				zap.Stringer("order_id", order.ID), zap.String("pair", order.Pair), zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return filled
}

// Run feeds every price update into OnPrice until ctx is cancelled or updates is closed.
func (m *Manager) Run(ctx context.Context, filler Filler, updates <-chan ticker.PriceUpdate) error {
	m.logger.Info("Starting resting order trigger")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if n := m.OnPrice(ctx, filler, update.Symbol, update.Price); n > 0 {
				m.logger.Info("Filled resting orders",
					zap.String("symbol", update.Symbol),
					zap.String("price", update.Price.String()),
					zap.Int("count", n))
			}
		}
	}
}
