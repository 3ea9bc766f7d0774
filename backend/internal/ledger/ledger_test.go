package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/ledger"
	"github.com/user/spotexchange/backend/internal/memstore"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func wallet(t *testing.T, s *memstore.Store, userID uuid.UUID, asset string) *models.Wallet {
	t.Helper()
	wallets, err := s.ListWallets(context.Background(), userID)
	require.NoError(t, err)
	for _, w := range wallets {
		if w.Asset == asset {
			return w
		}
	}
	return nil
}

func run(t *testing.T, s *memstore.Store, fn func(ctx context.Context, tx store.Tx) error) error {
	t.Helper()
	return s.WithTx(context.Background(), fn)
}

func TestCreditCreatesWallet(t *testing.T) {
	s := memstore.New()
	user := uuid.New()

	err := run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Credit(ctx, tx, user, "BTC", d("0.01"))
		return err
	})
	require.NoError(t, err)

	w := wallet(t, s, user, "BTC")
	require.NotNil(t, w)
	assert.True(t, w.Balance.Equal(d("0.01")))
	assert.True(t, w.LockedBalance.IsZero())

	err = run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Credit(ctx, tx, user, "BTC", d("0.02"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, wallet(t, s, user, "BTC").Balance.Equal(d("0.03")))
}

func TestDebitRespectsLockedBalance(t *testing.T) {
	s := memstore.New()
	user := uuid.New()
	require.NoError(t, run(t, s, func(ctx context.Context, tx store.Tx) error {
		if _, err := ledger.Credit(ctx, tx, user, "USDT", d("1000")); err != nil {
			return err
		}
		_, err := ledger.Lock(ctx, tx, user, "USDT", d("600"))
		return err
	}))

	err := run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Debit(ctx, tx, user, "USDT", d("500"))
		return err
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	w := wallet(t, s, user, "USDT")
	assert.True(t, w.Balance.Equal(d("1000")))
	assert.True(t, w.LockedBalance.Equal(d("600")))

	require.NoError(t, run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Debit(ctx, tx, user, "USDT", d("400"))
		return err
	}))
	w = wallet(t, s, user, "USDT")
	assert.True(t, w.Balance.Equal(d("600")))
	assert.True(t, w.Available().IsZero())
}

func TestDebitMissingWallet(t *testing.T) {
	s := memstore.New()
	err := run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Debit(ctx, tx, uuid.New(), "ETH", d("1"))
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestLockReleaseAndDebitLocked(t *testing.T) {
	s := memstore.New()
	user := uuid.New()
	require.NoError(t, run(t, s, func(ctx context.Context, tx store.Tx) error {
		if _, err := ledger.Credit(ctx, tx, user, "USDT", d("100")); err != nil {
			return err
		}
		if _, err := ledger.Lock(ctx, tx, user, "USDT", d("80")); err != nil {
			return err
		}
		if _, err := ledger.Release(ctx, tx, user, "USDT", d("30")); err != nil {
			return err
		}
		_, err := ledger.DebitLocked(ctx, tx, user, "USDT", d("50"))
		return err
	}))

	w := wallet(t, s, user, "USDT")
	assert.True(t, w.Balance.Equal(d("50")))
	assert.True(t, w.LockedBalance.IsZero())
	assert.True(t, w.Valid())
}

func TestLockBeyondAvailableFails(t *testing.T) {
	s := memstore.New()
	user := uuid.New()
	require.NoError(t, run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Credit(ctx, tx, user, "BTC", d("1"))
		return err
	}))

	err := run(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Lock(ctx, tx, user, "BTC", d("1.5"))
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestReleaseMoreThanLockedFails(t *testing.T) {
	s := memstore.New()
	user := uuid.New()
	err := run(t, s, func(ctx context.Context, tx store.Tx) error {
		if _, err := ledger.Credit(ctx, tx, user, "BTC", d("1")); err != nil {
			return err
		}
		_, err := ledger.Release(ctx, tx, user, "BTC", d("0.1"))
		return err
	})
	require.Error(t, err)
	assert.Nil(t, wallet(t, s, user, "BTC"), "failed transaction must not create the wallet")
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	s := memstore.New()
	user := uuid.New()
	for _, amount := range []decimal.Decimal{decimal.Zero, d("-1")} {
		err := run(t, s, func(ctx context.Context, tx store.Tx) error {
			_, err := ledger.Credit(ctx, tx, user, "BTC", amount)
			return err
		})
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
}
