package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/ledger"
	"github.com/user/spotexchange/backend/internal/metrics"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/pricing"
	"github.com/user/spotexchange/backend/internal/store"
	"go.uber.org/zap"
)

// fillNow settles the whole order at price: buys spend quote for base, sells the reverse.
func (s *Service) fillNow(ctx context.Context, tx store.Tx, o *models.Order, price, cost decimal.Decimal, now time.Time) error {
	if o.Side.IsBuy() {
		if _, err := ledger.Debit(ctx, tx, o.UserID, o.QuoteAsset, cost); err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, o.UserID, o.BaseAsset, o.Amount); err != nil {
			return err
		}
	} else {
		if _, err := ledger.Debit(ctx, tx, o.UserID, o.BaseAsset, o.Amount); err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, o.UserID, o.QuoteAsset, cost); err != nil {
			return err
		}
	}

	o.Filled = o.Amount
	o.Status = models.StatusFilled
	o.CompletedAt = &now
	if err := tx.InsertOrder(ctx, o); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if err := tx.InsertTrade(ctx, s.newTrade(o, price, o.Amount, now)); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// rest reserves the funds an open order may spend and records it as OPEN.
func (s *Service) rest(ctx context.Context, tx store.Tx, o *models.Order, cost decimal.Decimal) error {
	reserve := o.Amount
	if o.Side.IsBuy() {
		reserve = cost
	}
	if _, err := ledger.Lock(ctx, tx, o.UserID, o.LockedAsset(), reserve); err != nil {
		return err
	}
	o.LockedAmount = reserve
	if err := tx.InsertOrder(ctx, o); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func cancellable(status models.OrderStatus) bool {
	return status == models.StatusOpen || status == models.StatusPartiallyFilled
}

// CancelOrder cancels an open order owned by userID and releases its reservation.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var cancelled *models.Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil || o.UserID != userID {
			return apperr.NotFound("order %s not found", orderID)
		}
		if !cancellable(o.Status) {
			return apperr.NotCancellable("order %s is %s", orderID, o.Status)
		}

		if o.LockedAmount.IsPositive() {
			if _, err := ledger.Release(ctx, tx, o.UserID, o.LockedAsset(), o.LockedAmount); err != nil {
				return err
			}
		}
		now := s.now().UTC()
		o.LockedAmount = decimal.Zero
		o.Status = models.StatusCancelled
		o.UpdatedAt = now
		o.CompletedAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	s.logger.Info("Order cancelled", zap.Stringer("order_id", orderID), zap.Stringer("user_id", userID))
	if s.book != nil {
		s.book.Remove(cancelled)
	}
	return cancelled, nil
}

// FillOrder settles the remainder of a resting order at price out of its reservation.
// Any part of the reservation the fill does not consume is released.
func (s *Service) FillOrder(ctx context.Context, orderID uuid.UUID, price decimal.Decimal) (*models.Order, error) {
	if !price.IsPositive() {
		return nil, apperr.Validation("fill price must be positive")
	}
	if !fitsScale(price) {
		return nil, apperr.Validation("fill price allows at most %d decimal places", MaxDecimals)
	}

	var filled *models.Order
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return apperr.NotFound("order %s not found", orderID)
		}
		if !cancellable(o.Status) {
			return apperr.NotCancellable("order %s is %s", orderID, o.Status)
		}
		if err := lockWallets(ctx, tx, o.UserID, o.BaseAsset, o.QuoteAsset); err != nil {
			return err
		}

		qty := o.Remaining()
		cost := qty.Mul(price)
		if o.Side.IsBuy() {
			err = spendReserved(ctx, tx, o, o.QuoteAsset, cost)
		} else {
			err = spendReserved(ctx, tx, o, o.BaseAsset, qty)
		}
		if err != nil {
			return err
		}
		if o.Side.IsBuy() {
			_, err = ledger.Credit(ctx, tx, o.UserID, o.BaseAsset, qty)
		} else {
			_, err = ledger.Credit(ctx, tx, o.UserID, o.QuoteAsset, cost)
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		o.Filled = o.Amount
		o.LockedAmount = decimal.Zero
		o.Status = models.StatusFilled
		o.UpdatedAt = now
		o.CompletedAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := tx.InsertTrade(ctx, s.newTrade(o, price, qty, now)); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		filled = o
		return nil
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	s.logger.Info("Resting order filled",
		zap.Stringer("order_id", orderID),
		zap.String("pair", filled.Pair),
		zap.String("price", price.String()))
	if s.book != nil {
		s.book.Remove(filled)
	}
	return filled, nil
}

// spendReserved debits need of asset, taking it from the order's reservation first and
// from the available balance for any excess, then releases what the fill left reserved.
func spendReserved(ctx context.Context, tx store.Tx, o *models.Order, asset string, need decimal.Decimal) error {
	fromLock := decimal.Min(need, o.LockedAmount)
	if fromLock.IsPositive() {
		if _, err := ledger.DebitLocked(ctx, tx, o.UserID, asset, fromLock); err != nil {
			return err
		}
	}
	if extra := need.Sub(fromLock); extra.IsPositive() {
		if _, err := ledger.Debit(ctx, tx, o.UserID, asset, extra); err != nil {
			return err
		}
	}
	if leftover := o.LockedAmount.Sub(fromLock); leftover.IsPositive() {
		if _, err := ledger.Release(ctx, tx, o.UserID, asset, leftover); err != nil {
			return err
		}
	}
	return nil
}

// GetOrder returns an order owned by userID.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if o == nil || o.UserID != userID {
		return nil, apperr.NotFound("order %s not found", orderID)
	}
	return o, nil
}

// ListOrders returns the user's orders newest first, at most store.MaxListLimit of them.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID, filter models.OrderFilter) ([]*models.Order, error) {
	filter.Status = models.OrderStatus(strings.ToUpper(strings.TrimSpace(string(filter.Status))))
	filter.Type = models.OrderType(strings.ToUpper(strings.TrimSpace(string(filter.Type))))

	switch filter.Status {
	case "", models.StatusOpen, models.StatusFilled, models.StatusPartiallyFilled, models.StatusCancelled:
	default:
		return nil, apperr.ValidationFields([]apperr.FieldError{{Field: "status", Message: fmt.Sprintf("unknown order status %q", filter.Status)}})
	}
	switch filter.Type {
	case "", models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStopLimit:
	default:
		return nil, apperr.ValidationFields([]apperr.FieldError{{Field: "type", Message: fmt.Sprintf("unknown order type %q", filter.Type)}})
	}
	if filter.Pair != "" {
		pair, err := pricing.ParsePair(filter.Pair)
		if err != nil {
			return nil, err
		}
		filter.Pair = pair.Symbol()
	}
	filter.Limit = store.ClampLimit(filter.Limit)

	orders, err := s.store.ListOrders(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// ListTrades returns the user's most recent trades.
func (s *Service) ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Trade, error) {
	trades, err := s.store.ListTrades(ctx, userID, store.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// RestingOrders returns every order still waiting for a fill.
func (s *Service) RestingOrders(ctx context.Context) ([]*models.Order, error) {
	orders, err := s.store.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return orders, nil
}
