package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/store"
)

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	user := uuid.New()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.LockWallet(ctx, user, "USDT", true)
		if err != nil {
			return err
		}
		w.Balance = decimal.NewFromInt(10)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &models.Order{UserID: user, Status: models.StatusOpen}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	wallets, err := s.ListWallets(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, wallets)

	orders, err := s.ListOrders(ctx, user, models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestTxReadsItsOwnWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	user := uuid.New()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.LockWallet(ctx, user, "BTC", true)
		require.NoError(t, err)
		w.Balance = decimal.NewFromInt(3)
		require.NoError(t, tx.SaveWallet(ctx, w))

		again, err := tx.LockWallet(ctx, user, "BTC", false)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.True(t, again.Balance.Equal(decimal.NewFromInt(3)))
		return nil
	})
	require.NoError(t, err)
}

func TestListOrdersFiltersAndOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	user := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 120; i++ {
			o := &models.Order{
				UserID:    user,
				Pair:      "BTCUSDT",
				Type:      models.OrderTypeMarket,
				Status:    models.StatusFilled,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			if i%2 == 0 {
				o.Pair = "ETHUSDT"
				o.Type = models.OrderTypeLimit
				o.Status = models.StatusOpen
			}
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, &models.Order{UserID: uuid.New(), Pair: "BTCUSDT", CreatedAt: base})
	}))

	all, err := s.ListOrders(ctx, user, models.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, store.MaxListLimit)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))

	open, err := s.ListOrders(ctx, user, models.OrderFilter{Status: models.StatusOpen, Pair: "ETHUSDT", Type: models.OrderTypeLimit})
	require.NoError(t, err)
	assert.Len(t, open, 60)

	few, err := s.ListOrders(ctx, user, models.OrderFilter{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, few, 5)

	pending, err := s.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 60)
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, u.ID)

	_, err = s.CreateUser(ctx, "alice", "other")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)

	found, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	missing, err := s.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
