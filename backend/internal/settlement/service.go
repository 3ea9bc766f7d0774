// Package settlement places, fills and cancels orders against user wallets.
//
// Every order settles inside one store transaction: the wallets of both assets are
// locked in sorted asset order, balances are checked and mutated through the ledger,
// and the Order and Trade rows are written before commit. A failure at any step rolls
// the whole settlement back. Settlement transactions are never retried.
package settlement

import (
	"context"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/metrics"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/pricing"
	"github.com/user/spotexchange/backend/internal/store"
	"go.uber.org/zap"
)

// DefaultFeeRate is the trade fee as a fraction of the filled amount.
var DefaultFeeRate = decimal.RequireFromString("0.001")

var (
	// maxOrderValue keeps amount*price inside the 18 integer digits of NUMERIC(36,18).
	maxOrderValue = decimal.New(1, 18)
	minPrice      = decimal.New(1, -MaxDecimals)
)

// PriceSource resolves market prices.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (pricing.Quote, error)
	Prices(ctx context.Context, symbols []string) (map[string]pricing.Quote, error)
}

// Book indexes resting orders. It is told about orders after their transaction commits.
type Book interface {
	Add(order *models.Order)
	Remove(order *models.Order)
}

// Config holds the settlement policy switches.
type Config struct {
	// FeeRate may have at most 10 decimal places so fees fit 18.
	FeeRate decimal.Decimal
	// RestingLimits keeps LIMIT and STOP_LIMIT orders OPEN with their funds locked
	// instead of filling them at the submitted price.
	RestingLimits bool
	// StrictMarketPrice refuses market orders priced from the static fallback table.
	StrictMarketPrice bool
}

// Service settles orders. It holds no per-order state; consistency comes from the store.
type Service struct {
	store    store.Store
	prices   PriceSource
	book     Book
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithBook registers the index that tracks resting orders.
func WithBook(b Book) Option {
	return func(s *Service) {
		s.book = b
	}
}

// WithClock overrides the time source used for order and trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a settlement service.
func NewService(st store.Store, prices PriceSource, logger *zap.Logger, cfg Config, opts ...Option) *Service {
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = DefaultFeeRate
	}
	s := &Service{
		store:    st,
		prices:   prices,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder validates req and settles it for userID.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, req PlaceOrderRequest) (*models.Order, error) {
	start := time.Now()
	order, err := s.placeOrder(ctx, userID, req)
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(string(apperr.KindOf(err))).Inc()
		s.logger.Info("Order rejected",
			zap.Stringer("user_id", userID),
			zap.String("pair", req.Pair),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.Type), string(order.Side), string(order.Status)).Inc()
	s.logger.Info("Order placed",
		zap.Stringer("order_id", order.ID),
		zap.Stringer("user_id", userID),
		zap.String("pair", order.Pair),
		zap.String("side", string(order.Side)),
		zap.String("status", string(order.Status)),
		zap.String("amount", order.Amount.String()))

	if order.Status == models.StatusOpen && s.book != nil {
		s.book.Add(order)
	}
	return order, nil
}

func (s *Service) placeOrder(ctx context.Context, userID uuid.UUID, req PlaceOrderRequest) (*models.Order, error) {
	req.normalize()
	if err := validateRequest(s.validate, &req); err != nil {
		return nil, err
	}

	pair, err := pricing.ParsePair(req.Pair)
	if err != nil {
		return nil, err
	}

	price, err := s.orderPrice(ctx, pair, req)
	if err != nil {
		return nil, err
	}
	cost := req.Amount.Mul(price)
	if cost.GreaterThanOrEqual(maxOrderValue) {
		return nil, apperr.ValidationFields([]apperr.FieldError{{Field: "amount", Message: "order value is too large"}})
	}
	resting := s.cfg.RestingLimits && req.Type != models.OrderTypeMarket

	now := s.now().UTC()
	order := &models.Order{
		ID:         uuid.New(),
		UserID:     userID,
		Pair:       pair.Symbol(),
		BaseAsset:  pair.Base,
		QuoteAsset: pair.Quote,
		Type:       req.Type,
		Side:       req.Side,
		Price:      decimal.NewNullDecimal(price),
		StopPrice:  req.StopPrice,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		Leverage:   req.Leverage,
		Amount:     req.Amount,
		Filled:     decimal.Zero,
		Status:     models.StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := lockWallets(ctx, tx, userID, pair.Base, pair.Quote); err != nil {
			return err
		}
		if resting {
			return s.rest(ctx, tx, order, cost)
		}
		return s.fillNow(ctx, tx, order, price, cost, now)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// orderPrice returns the caller's price when given and otherwise a resolved market price.
func (s *Service) orderPrice(ctx context.Context, pair pricing.Pair, req PlaceOrderRequest) (decimal.Decimal, error) {
	if req.Price.Valid {
		return req.Price.Decimal, nil
	}
	q, err := s.prices.Price(ctx, pair.Symbol())
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch q.Source {
	case pricing.SourceDefault:
		return decimal.Decimal{}, apperr.PriceUnavailable(q.Cause, "no market price available for %s", pair.Symbol())
	case pricing.SourceFallback:
		if s.cfg.StrictMarketPrice {
			return decimal.Decimal{}, apperr.PriceUnavailable(q.Cause, "live market price for %s is unavailable", pair.Symbol())
		}
		s.logger.Warn("Settling market order at fallback price",
			zap.String("pair", pair.Symbol()), zap.String("price", q.Price.String()))
	}
	// Provider prices, cross rates in particular, can carry more places than an order stores.
	price := q.Price.Round(MaxDecimals)
	if !price.IsPositive() {
		return decimal.Decimal{}, apperr.PriceUnavailable(nil, "market price of %s is below %s", pair.Symbol(), minPrice)
	}
	return price, nil
}

// lockWallets takes the row locks on the user's wallets in a fixed order so that
// concurrent settlements touching the same assets cannot deadlock.
func lockWallets(ctx context.Context, tx store.Tx, userID uuid.UUID, assets ...string) error {
	sorted := append([]string(nil), assets...)
	sort.Strings(sorted)
	for _, asset := range sorted {
		if _, err := tx.LockWallet(ctx, userID, asset, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) newTrade(o *models.Order, price, amount decimal.Decimal, at time.Time) *models.Trade {
	return &models.Trade{
		ID:        uuid.New(),
		OrderID:   o.ID,
		UserID:    o.UserID,
		Pair:      o.Pair,
		Side:      o.Side,
		Price:     price,
		Amount:    amount,
		Fee:       amount.Mul(s.cfg.FeeRate),
		FeeAsset:  o.QuoteAsset,
		CreatedAt: at,
	}
}
