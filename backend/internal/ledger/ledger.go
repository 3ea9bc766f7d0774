// Package ledger applies balance mutations to wallets inside a caller-owned transaction.
//
// Every operation locks the wallet row through the transaction, mutates it in memory,
// re-checks 0 <= locked <= balance and writes it back. Nothing here commits: a failed
// operation leaves the whole transaction to be rolled back by the caller.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/models"
)

// WalletTx is the slice of a store transaction the ledger needs.
type WalletTx interface {
	// LockWallet returns the wallet row locked for the rest of the transaction.
	// When the row is absent it returns nil, nil unless create is set, in which
	// case a zero wallet is inserted and returned.
	LockWallet(ctx context.Context, userID uuid.UUID, asset string, create bool) (*models.Wallet, error)
	SaveWallet(ctx context.Context, w *models.Wallet) error
}

func requirePositive(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validation("%s amount must be positive", op)
	}
	return nil
}

func save(ctx context.Context, tx WalletTx, w *models.Wallet) (*models.Wallet, error) {
	if !w.Valid() {
		return nil, fmt.Errorf("wallet %s/%s would break balance invariant (balance %s, locked %s)",
			w.UserID, w.Asset, w.Balance, w.LockedBalance)
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Debit removes amount from the available part of the wallet.
func Debit(ctx context.Context, tx WalletTx, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive("debit", amount); err != nil {
		return nil, err
	}
	w, err := tx.LockWallet(ctx, userID, asset, false)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, apperr.InsufficientBalance("no %s wallet", asset)
	}
	if w.Available().LessThan(amount) {
		return nil, apperr.InsufficientBalance("insufficient %s balance (available: %s, required: %s)",
			asset, w.Available(), amount)
	}
	w.Balance = w.Balance.Sub(amount)
	return save(ctx, tx, w)
}

// Credit adds amount to the wallet, creating it on first use.
func Credit(ctx context.Context, tx WalletTx, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive("credit", amount); err != nil {
		return nil, err
	}
	w, err := tx.LockWallet(ctx, userID, asset, true)
	if err != nil {
		return nil, err
	}
	w.Balance = w.Balance.Add(amount)
	return save(ctx, tx, w)
}

// Lock reserves amount of the available balance against an open order.
func Lock(ctx context.Context, tx WalletTx, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive("lock", amount); err != nil {
		return nil, err
	}
	w, err := tx.LockWallet(ctx, userID, asset, false)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, apperr.InsufficientBalance("no %s wallet", asset)
	}
	if w.Available().LessThan(amount) {
		return nil, apperr.InsufficientBalance("insufficient %s balance to lock (available: %s, required: %s)",
			asset, w.Available(), amount)
	}
	w.LockedBalance = w.LockedBalance.Add(amount)
	return save(ctx, tx, w)
}

// Release returns a reservation to the available balance.
func Release(ctx context.Context, tx WalletTx, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive("release", amount); err != nil {
		return nil, err
	}
	w, err := tx.LockWallet(ctx, userID, asset, false)
	if err != nil {
		return nil, err
	}
	if w == nil || w.LockedBalance.LessThan(amount) {
		return nil, fmt.Errorf("cannot release %s %s for user %s: reservation not covered", amount, asset, userID)
	}
	w.LockedBalance = w.LockedBalance.Sub(amount)
	return save(ctx, tx, w)
}

// DebitLocked spends funds that were previously reserved with Lock.
func DebitLocked(ctx context.Context, tx WalletTx, userID uuid.UUID, asset string, amount decimal.Decimal) (*models.Wallet, error) {
	if err := requirePositive("debit", amount); err != nil {
		return nil, err
	}
	w, err := tx.LockWallet(ctx, userID, asset, false)
	if err != nil {
		return nil, err
	}
	if w == nil || w.LockedBalance.LessThan(amount) {
		return nil, apperr.InsufficientBalance("locked %s does not cover %s", asset, amount)
	}
	w.Balance = w.Balance.Sub(amount)
	w.LockedBalance = w.LockedBalance.Sub(amount)
	return save(ctx, tx, w)
}
