package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/store"
)

const orderColumns = `id, user_id, pair, base_asset, quote_asset, type, side,
	price::text, stop_price::text, take_profit::text, stop_loss::text, leverage,
	amount::text, filled::text, locked_amount::text, status, created_at, updated_at, completed_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var (
		orderType, side, status              string
		price, stopPrice, takeProfit, stopLoss *string
		amount, filled, locked               string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Pair, &o.BaseAsset, &o.QuoteAsset, &orderType, &side,
		&price, &stopPrice, &takeProfit, &stopLoss, &o.Leverage,
		&amount, &filled, &locked, &status, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Type = models.OrderType(orderType)
	o.Side = models.OrderSide(side)
	o.Status = models.OrderStatus(status)

	if o.Price, err = parseNullDecimal("price", price); err != nil {
		return nil, err
	}
	if o.StopPrice, err = parseNullDecimal("stop_price", stopPrice); err != nil {
		return nil, err
	}
	if o.TakeProfit, err = parseNullDecimal("take_profit", takeProfit); err != nil {
		return nil, err
	}
	if o.StopLoss, err = parseNullDecimal("stop_loss", stopLoss); err != nil {
		return nil, err
	}
	if o.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if o.Filled, err = parseDecimal("filled", filled); err != nil {
		return nil, err
	}
	if o.LockedAmount, err = parseDecimal("locked_amount", locked); err != nil {
		return nil, err
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()
	orders := make([]*models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

// InsertOrder writes a new order row.
func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	query := `INSERT INTO orders (id, user_id, pair, base_asset, quote_asset, type, side,
			      price, stop_price, take_profit, stop_loss, leverage,
			      amount, filled, locked_amount, status, created_at, updated_at, completed_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := t.tx.Exec(ctx, query,
		o.ID, o.UserID, o.Pair, o.BaseAsset, o.QuoteAsset, string(o.Type), string(o.Side),
		nullDecimalArg(o.Price), nullDecimalArg(o.StopPrice), nullDecimalArg(o.TakeProfit), nullDecimalArg(o.StopLoss),
		o.Leverage, o.Amount.String(), o.Filled.String(), o.LockedAmount.String(), string(o.Status),
		o.CreatedAt, o.UpdatedAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating order for user %s: %w", o.UserID, err)
	}
	return nil
}

// LockOrder selects an order FOR UPDATE. It returns nil, nil when the order does not exist.
func (t *pgTx) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

// UpdateOrder writes the mutable fields of an order locked in this transaction.
func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	query := `UPDATE orders
			  SET filled = $2, locked_amount = $3, status = $4, updated_at = $5, completed_at = $6
			  WHERE id = $1`
	tag, err := t.tx.Exec(ctx, query,
		o.ID, o.Filled.String(), o.LockedAmount.String(), string(o.Status), o.UpdatedAt, o.CompletedAt)
	if err != nil {
		return fmt.Errorf("error updating order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update order %s: row not found", o.ID)
	}
	return nil
}

// GetOrder retrieves a specific order by its ID.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return getOrder(ctx, s.pool, orderID, false)
}

func getOrder(ctx context.Context, q querier, orderID uuid.UUID, forUpdate bool) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting order by id %s: %w", orderID, err)
	}
	return o, nil
}

// ListOrders retrieves a user's orders newest first.
func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, filter models.OrderFilter) ([]*models.Order, error) {
	var (
		where = []string{"user_id = $1"}
		args  = []any{userID}
	)
	add := func(column, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Pair != "" {
		add("pair", filter.Pair)
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	args = append(args, store.ClampLimit(filter.Limit))

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		orderColumns, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying orders for user %s: %w", userID, err)
	}
	return collectOrders(rows)
}

// ListOpenOrders retrieves every order that can still be filled, newest first.
func (s *Store) ListOpenOrders(ctx context.Context) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
			  WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
			  ORDER BY created_at DESC, id DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying open orders: %w", err)
	}
	return collectOrders(rows)
}
