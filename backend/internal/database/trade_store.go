package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/store"
)

// InsertTrade writes an execution record. Trades are never updated.
func (t *pgTx) InsertTrade(ctx context.Context, tr *models.Trade) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	query := `INSERT INTO trades (id, order_id, user_id, pair, side, price, amount, fee, fee_asset, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.tx.Exec(ctx, query,
		tr.ID, tr.OrderID, tr.UserID, tr.Pair, string(tr.Side),
		tr.Price.String(), tr.Amount.String(), tr.Fee.String(), tr.FeeAsset, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating trade for order %s: %w", tr.OrderID, err)
	}
	return nil
}

// ListTrades retrieves a user's most recent trades.
func (s *Store) ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Trade, error) {
	query := `SELECT id, order_id, user_id, pair, side, price::text, amount::text, fee::text, fee_asset, created_at
			  FROM trades WHERE user_id = $1
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`
	rows, err := s.pool.Query(ctx, query, userID, store.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("error querying trades for user %s: %w", userID, err)
	}
	defer rows.Close()

	trades := make([]*models.Trade, 0)
	for rows.Next() {
		tr := &models.Trade{}
		var side, price, amount, fee string
		if err := rows.Scan(&tr.ID, &tr.OrderID, &tr.UserID, &tr.Pair, &side, &price, &amount, &fee, &tr.FeeAsset, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning trade row for user %s: %w", userID, err)
		}
		tr.Side = models.OrderSide(side)
		if tr.Price, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		if tr.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		if tr.Fee, err = parseDecimal("fee", fee); err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows for user %s: %w", userID, err)
	}
	return trades, nil
}
