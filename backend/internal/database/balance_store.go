package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/user/spotexchange/backend/internal/models"
	"go.uber.org/zap"
)

const walletColumns = `user_id, asset, balance::text, locked_balance::text, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	w := &models.Wallet{}
	var balance, locked string
	if err := row.Scan(&w.UserID, &w.Asset, &balance, &locked, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Balance, err = parseDecimal("balance", balance); err != nil {
		return nil, err
	}
	if w.LockedBalance, err = parseDecimal("locked_balance", locked); err != nil {
		return nil, err
	}
	return w, nil
}

func (t *pgTx) selectWalletForUpdate(ctx context.Context, userID uuid.UUID, asset string) (*models.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 AND asset = $2 FOR UPDATE`
	w, err := scanWallet(t.tx.QueryRow(ctx, query, userID, asset))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("tx error locking wallet for user %s asset %s: %w", userID, asset, err)
	}
	return w, nil
}

// LockWallet selects the wallet row FOR UPDATE, inserting a zero row first when create is set.
func (t *pgTx) LockWallet(ctx context.Context, userID uuid.UUID, asset string, create bool) (*models.Wallet, error) {
	w, err := t.selectWalletForUpdate(ctx, userID, asset)
	if err != nil || w != nil || !create {
		return w, err
	}

	query := `INSERT INTO wallets (user_id, asset, balance, locked_balance)
			  VALUES ($1, $2, 0, 0)
			  ON CONFLICT (user_id, asset) DO NOTHING`
	tag, err := t.tx.Exec(ctx, query, userID, asset)
	if err != nil {
		return nil, fmt.Errorf("tx error creating wallet for user %s asset %s: %w", userID, asset, err)
	}
	if tag.RowsAffected() == 0 {
		// Another transaction created it between the select and the insert.
		t.logger.Debug("Wallet created concurrently, re-selecting",
			zap.Stringer("user_id", userID), zap.String("asset", asset))
	}

	w, err = t.selectWalletForUpdate(ctx, userID, asset)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("wallet for user %s asset %s vanished after insert", userID, asset)
	}
	return w, nil
}

// SaveWallet writes both balances of a wallet previously locked in this transaction.
func (t *pgTx) SaveWallet(ctx context.Context, w *models.Wallet) error {
	query := `UPDATE wallets SET balance = $3, locked_balance = $4, updated_at = NOW()
			  WHERE user_id = $1 AND asset = $2
			  RETURNING updated_at`
	err := t.tx.QueryRow(ctx, query, w.UserID, w.Asset, w.Balance.String(), w.LockedBalance.String()).
		Scan(&w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("wallet for user %s asset %s does not exist", w.UserID, w.Asset)
		}
		return fmt.Errorf("tx error saving wallet for user %s asset %s: %w", w.UserID, w.Asset, err)
	}
	return nil
}

// ListWallets retrieves all wallets of a user ordered by asset.
func (s *Store) ListWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error) {
	wallets := make([]*models.Wallet, 0)
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 ORDER BY asset`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying wallets for user %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning wallet row for user %s: %w", userID, err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wallet rows for user %s: %w", userID, err)
	}
	return wallets, nil
}
