package orderbook

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"github.com/user/spotexchange/backend/internal/models"
)

// entry is one resting order keyed by its trigger price and arrival sequence.
type entry struct {
	price decimal.Decimal
	seq   uint64
	order models.Order
}

func bidLess(a, b entry) bool {
	if c := a.price.Cmp(b.price); c != 0 {
		return c > 0
	}
	return a.seq < b.seq
}

func askLess(a, b entry) bool {
	if c := a.price.Cmp(b.price); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// side tells which tree of the book holds an order.
type side int

const (
	sideBids side = iota
	sideAsks
	sideBuyStops
	sideSellStops
)

// OrderBook indexes the resting orders of a single trading pair.
//
// Bids and asks hold active limit orders, highest bid and lowest ask first.
// STOP_LIMIT orders wait in the stop trees until the market crosses their stop
// price: buy stops trigger at or above the stop, sell stops at or below it.
type OrderBook struct {
	symbol string
	mu     sync.RWMutex

	bids      *btree.BTreeG[entry]
	asks      *btree.BTreeG[entry]
	buyStops  *btree.BTreeG[entry] // lowest stop first
	sellStops *btree.BTreeG[entry] // highest stop first

	orders map[uuid.UUID]located
	seq    uint64
}

type located struct {
	side  side
	entry entry
}

// NewOrderBook creates a new order book for a given symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol:    symbol,
		bids:      btree.NewBTreeG(bidLess),
		asks:      btree.NewBTreeG(askLess),
		buyStops:  btree.NewBTreeG(askLess),
		sellStops: btree.NewBTreeG(bidLess),
		orders:    make(map[uuid.UUID]located),
	}
}

func (ob *OrderBook) tree(s side) *btree.BTreeG[entry] {
	switch s {
	case sideBids:
		return ob.bids
	case sideAsks:
		return ob.asks
	case sideBuyStops:
		return ob.buyStops
	default:
		return ob.sellStops
	}
}

// Add indexes a resting order. Orders without a limit price, or already present,
// are ignored and Add reports false.
func (ob *OrderBook) Add(order *models.Order) bool {
	if !order.Price.Valid {
		return false
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orders[order.ID]; exists {
		return false
	}
	ob.seq++
	e := entry{seq: ob.seq, order: *order}

	var s side
	switch {
	case order.Type == models.OrderTypeStopLimit && order.StopPrice.Valid:
		e.price = order.StopPrice.Decimal
		s = sideSellStops
		if order.Side.IsBuy() {
			s = sideBuyStops
		}
	default:
		e.price = order.Price.Decimal
		s = sideAsks
		if order.Side.IsBuy() {
			s = sideBids
		}
	}
	ob.tree(s).Set(e)
	ob.orders[order.ID] = located{side: s, entry: e}
	return true
}

// Remove drops an order from the book and reports whether it was present.
func (ob *OrderBook) Remove(orderID uuid.UUID) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	loc, ok := ob.orders[orderID]
	if !ok {
		return false
	}
	ob.tree(loc.side).Delete(loc.entry)
	delete(ob.orders, orderID)
	return true
}

// Len returns the number of indexed orders, stops included.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}

// Crossed activates the stops that price triggers and returns the limit orders
// price crosses: bids at or above it and asks at or below it, best first.
// Crossed orders stay in the book until they are removed.
func (ob *OrderBook) Crossed(price decimal.Decimal) []models.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.activate(ob.buyStops, func(stop decimal.Decimal) bool { return price.GreaterThanOrEqual(stop) })
	ob.activate(ob.sellStops, func(stop decimal.Decimal) bool { return price.LessThanOrEqual(stop) })

	var crossed []models.Order
	ob.bids.Scan(func(e entry) bool {
		if e.price.LessThan(price) {
			return false
		}
		crossed = append(crossed, e.order)
		return true
	})
	ob.asks.Scan(func(e entry) bool {
		if e.price.GreaterThan(price) {
			return false
		}
		crossed = append(crossed, e.order)
		return true
	})
	return crossed
}

// activate requires ob.mu. It moves triggered stops onto the limit side at their
// limit price, keeping their arrival order.
func (ob *OrderBook) activate(stops *btree.BTreeG[entry], triggered func(stop decimal.Decimal) bool) {
	var fired []entry
	stops.Scan(func(e entry) bool {
		if !triggered(e.price) {
			return false
		}
		fired = append(fired, e)
		return true
	})
	for _, e := range fired {
		stops.Delete(e)
		limit := entry{price: e.order.Price.Decimal, seq: e.seq, order: e.order}
		s := sideAsks
		if e.order.Side.IsBuy() {
			s = sideBids
		}
		ob.tree(s).Set(limit)
		ob.orders[e.order.ID] = located{side: s, entry: limit}
	}
}

// BookLevel is the total remaining quantity resting at one price.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBookDepth is an aggregated snapshot of both sides of the book.
type OrderBookDepth struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"` // highest first
	Asks   []BookLevel `json:"asks"` // lowest first
}

// GetDepth aggregates quantities at each price level, returning at most levels
// levels per side (all when levels <= 0). Pending stops are not part of the depth.
func (ob *OrderBook) GetDepth(levels int) *OrderBookDepth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return &OrderBookDepth{
		Symbol: ob.symbol,
		Bids:   aggregate(ob.bids, levels),
		Asks:   aggregate(ob.asks, levels),
	}
}

func aggregate(tree *btree.BTreeG[entry], levels int) []BookLevel {
	out := make([]BookLevel, 0)
	tree.Scan(func(e entry) bool {
		qty := e.order.Remaining()
		if n := len(out); n > 0 && out[n-1].Price.Equal(e.price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(qty)
			out[n-1].Orders++
			return true
		}
		if levels > 0 && len(out) == levels {
			return false
		}
		out = append(out, BookLevel{Price: e.price, Quantity: qty, Orders: 1})
		return true
	})
	return out
}
