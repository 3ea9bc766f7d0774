// Package store declares the persistence contract shared by the PostgreSQL and in-memory backends.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/user/spotexchange/backend/internal/ledger"
	"github.com/user/spotexchange/backend/internal/models"
)

// MaxListLimit caps every listing query.
const MaxListLimit = 100

// ErrUsernameTaken is returned by CreateUser on a duplicate username.
var ErrUsernameTaken = errors.New("username already taken")

// Tx is a unit of work. Rows read through Lock* stay locked until the transaction ends.
type Tx interface {
	ledger.WalletTx

	InsertOrder(ctx context.Context, order *models.Order) error
	// LockOrder returns nil, nil when the order does not exist.
	LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	InsertTrade(ctx context.Context, trade *models.Trade) error
}

// Store is the order/wallet persistence used by settlement.
type Store interface {
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetOrder returns nil, nil when the order does not exist.
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter models.OrderFilter) ([]*models.Order, error)
	ListOpenOrders(ctx context.Context) ([]*models.Order, error)
	ListTrades(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Trade, error)
	ListWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error)
}

// Users is the account persistence used by signup and login.
type Users interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	// GetUserByUsername returns nil, nil when no such user exists.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
