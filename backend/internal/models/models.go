package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a user account
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"` // Store hash, exclude from JSON responses
	CreatedAt time.Time `json:"created_at"`
}

// OrderType is one of MARKET, LIMIT or STOP_LIMIT.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderSide is the direction of an order. LONG and SHORT settle like BUY and SELL.
type OrderSide string

const (
	SideBuy   OrderSide = "BUY"
	SideSell  OrderSide = "SELL"
	SideLong  OrderSide = "LONG"
	SideShort OrderSide = "SHORT"
)

// IsBuy reports whether the side spends the quote asset to acquire the base asset.
func (s OrderSide) IsBuy() bool {
	return s == SideBuy || s == SideLong
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further fills or cancels may touch the order.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Order represents a trading order
type Order struct {
	ID           uuid.UUID           `json:"id"`
	UserID       uuid.UUID           `json:"user_id"`
	Pair         string              `json:"pair"` // e.g., "BTCUSDT"
	BaseAsset    string              `json:"base_asset"`
	QuoteAsset   string              `json:"quote_asset"`
	Type         OrderType           `json:"type"`
	Side         OrderSide           `json:"side"`
	Price        decimal.NullDecimal `json:"price"` // null for market orders until filled
	StopPrice    decimal.NullDecimal `json:"stop_price"`
	TakeProfit   decimal.NullDecimal `json:"take_profit"`
	StopLoss     decimal.NullDecimal `json:"stop_loss"`
	Leverage     int                 `json:"leverage,omitempty"`
	Amount       decimal.Decimal     `json:"amount"`
	Filled       decimal.Decimal     `json:"filled"`
	LockedAmount decimal.Decimal     `json:"locked_amount"` // Funds reserved while the order rests
	Status       OrderStatus         `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// LockedAsset returns the asset an order reserves while it rests.
func (o *Order) LockedAsset() string {
	if o.Side.IsBuy() {
		return o.QuoteAsset
	}
	return o.BaseAsset
}

// Remaining is the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Trade is an immutable execution record written once per fill.
type Trade struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Pair      string          `json:"pair"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	FeeAsset  string          `json:"fee_asset"`
	CreatedAt time.Time       `json:"created_at"`
}

// Wallet represents a user's holdings of a single asset.
// Balance is the total; LockedBalance is the part reserved against open orders.
type Wallet struct {
	UserID        uuid.UUID       `json:"user_id"`
	Asset         string          `json:"asset"` // e.g., "USDT", "BTC"
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available is the part of the balance not reserved by open orders.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.LockedBalance)
}

// Valid reports whether 0 <= LockedBalance <= Balance.
func (w *Wallet) Valid() bool {
	return !w.LockedBalance.IsNegative() && w.LockedBalance.LessThanOrEqual(w.Balance)
}

// OrderFilter narrows an order listing. Empty fields match everything.
type OrderFilter struct {
	Status OrderStatus
	Pair   string
	Type   OrderType
	Limit  int
}
