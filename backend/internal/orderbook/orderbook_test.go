package orderbook_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/spotexchange/backend/internal/apperr"
	"github.com/user/spotexchange/backend/internal/ledger"
	"github.com/user/spotexchange/backend/internal/memstore"
	"github.com/user/spotexchange/backend/internal/models"
	"github.com/user/spotexchange/backend/internal/orderbook"
	"github.com/user/spotexchange/backend/internal/pricing"
	"github.com/user/spotexchange/backend/internal/settlement"
	"github.com/user/spotexchange/backend/internal/store"
	"github.com/user/spotexchange/backend/internal/ticker"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitOrder(side models.OrderSide, price, amount string) *models.Order {
	return &models.Order{
		ID:     uuid.New(),
		Pair:   "BTCUSDT",
		Type:   models.OrderTypeLimit,
		Side:   side,
		Price:  decimal.NewNullDecimal(d(price)),
		Amount: d(amount),
		Filled: decimal.Zero,
		Status: models.StatusOpen,
	}
}

func stopOrder(side models.OrderSide, stop, price, amount string) *models.Order {
	o := limitOrder(side, price, amount)
	o.Type = models.OrderTypeStopLimit
	o.StopPrice = decimal.NewNullDecimal(d(stop))
	return o
}

func ids(orders []models.Order) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestDepthAggregatesLevels(t *testing.T) {
	m := orderbook.NewManager(zap.NewNop())
	m.Add(limitOrder(models.SideBuy, "80000", "0.1"))
	m.Add(limitOrder(models.SideBuy, "80000", "0.2"))
	m.Add(limitOrder(models.SideLong, "81000", "0.05"))
	m.Add(limitOrder(models.SideSell, "95000", "1"))
	m.Add(limitOrder(models.SideShort, "94000", "0.5"))
	m.Add(stopOrder(models.SideSell, "70000", "69000", "1"))

	depth := m.GetBookDepth("btcusdt", 0)
	assert.Equal(t, "BTCUSDT", depth.Symbol)
	require.Len(t, depth.Bids, 2)
	assert.True(t, depth.Bids[0].Price.Equal(d("81000")))
	assert.True(t, depth.Bids[1].Price.Equal(d("80000")))
	assert.True(t, depth.Bids[1].Quantity.Equal(d("0.3")))
	assert.Equal(t, 2, depth.Bids[1].Orders)
	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Asks[0].Price.Equal(d("94000")))

	top := m.GetBookDepth("BTCUSDT", 1)
	assert.Len(t, top.Bids, 1)
	assert.Len(t, top.Asks, 1)

	empty := m.GetBookDepth("ETHUSDT", 10)
	assert.Empty(t, empty.Bids)
	assert.NotNil(t, empty.Asks)
}

func TestAddIgnoresDuplicatesAndTerminalOrders(t *testing.T) {
	book := orderbook.NewOrderBook("BTCUSDT")
	o := limitOrder(models.SideBuy, "80000", "1")
	assert.True(t, book.Add(o))
	assert.False(t, book.Add(o))

	market := limitOrder(models.SideBuy, "1", "1")
	market.Price = decimal.NullDecimal{}
	assert.False(t, book.Add(market))
	assert.Equal(t, 1, book.Len())

	m := orderbook.NewManager(zap.NewNop())
	filled := limitOrder(models.SideBuy, "80000", "1")
	filled.Status = models.StatusFilled
	m.Add(filled)
	assert.Empty(t, m.GetBookDepth("BTCUSDT", 0).Bids)

	assert.True(t, book.Remove(o.ID))
	assert.False(t, book.Remove(o.ID))
	assert.Equal(t, 0, book.Len())
}

func TestCrossedReturnsBestFirst(t *testing.T) {
	book := orderbook.NewOrderBook("BTCUSDT")
	low := limitOrder(models.SideBuy, "79000", "1")
	high := limitOrder(models.SideBuy, "81000", "1")
	mid := limitOrder(models.SideBuy, "80000", "1")
	ask := limitOrder(models.SideSell, "90000", "1")
	for _, o := range []*models.Order{low, high, mid, ask} {
		book.Add(o)
	}

	assert.Empty(t, book.Crossed(d("85000")))
	assert.Equal(t, []uuid.UUID{high.ID, mid.ID}, ids(book.Crossed(d("80000"))))
	assert.Equal(t, []uuid.UUID{ask.ID}, ids(book.Crossed(d("90000"))))
	// Crossing does not remove.
	assert.Equal(t, 4, book.Len())
}

func TestStopsActivateOnCross(t *testing.T) {
	book := orderbook.NewOrderBook("BTCUSDT")
	sellStop := stopOrder(models.SideSell, "70000", "69000", "1")
	buyStop := stopOrder(models.SideBuy, "100000", "101000", "1")
	book.Add(sellStop)
	book.Add(buyStop)

	assert.Empty(t, book.Crossed(d("85000")))
	assert.Empty(t, book.GetDepth(0).Asks)

	// 69500 triggers the sell stop, and the resulting 69000 ask is crossed.
	assert.Equal(t, []uuid.UUID{sellStop.ID}, ids(book.Crossed(d("69500"))))
	require.Len(t, book.GetDepth(0).Asks, 1)

	// 100500 triggers the buy stop whose 101000 limit is crossed at once.
	crossed := ids(book.Crossed(d("100500")))
	assert.Contains(t, crossed, buyStop.ID)
}

type fakeFiller struct {
	mu     sync.Mutex
	filled []uuid.UUID
	prices []decimal.Decimal
	errs   map[uuid.UUID]error
}

func (f *fakeFiller) FillOrder(ctx context.Context, orderID uuid.UUID, price decimal.Decimal) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[orderID]; err != nil {
		return nil, err
	}
	f.filled = append(f.filled, orderID)
	f.prices = append(f.prices, price)
	return &models.Order{ID: orderID}, nil
}

func TestOnPriceFillsAtLimitAndDropsStale(t *testing.T) {
	m := orderbook.NewManager(zap.NewNop())
	ok := limitOrder(models.SideBuy, "80000", "1")
	stale := limitOrder(models.SideBuy, "80500", "1")
	broken := limitOrder(models.SideBuy, "80200", "1")
	m.Load([]*models.Order{ok, stale, broken})

	f := &fakeFiller{errs: map[uuid.UUID]error{
		stale.ID:  apperr.NotCancellable("order is CANCELLED"),
		broken.ID: assert.AnError,
	}}
	n := m.OnPrice(context.Background(), f, "BTCUSDT", d("79000"))
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ok.ID}, f.filled)
	assert.True(t, f.prices[0].Equal(d("80000")))

	// The fake does not remove filled orders, the stale one is gone, the failed one stays.
	depth := m.GetBookDepth("BTCUSDT", 0)
	require.Len(t, depth.Bids, 2)
	assert.True(t, depth.Bids[0].Price.Equal(d("80200")))
	assert.True(t, depth.Bids[1].Price.Equal(d("80000")))

	assert.Equal(t, 0, m.OnPrice(context.Background(), f, "ETHUSDT", d("1")))
}

type noPrices struct{}

func (noPrices) Price(ctx context.Context, symbol string) (pricing.Quote, error) {
	return pricing.Quote{}, apperr.PriceUnavailable(nil, "no prices in this test")
}

func (noPrices) Prices(ctx context.Context, symbols []string) (map[string]pricing.Quote, error) {
	return map[string]pricing.Quote{}, nil
}

func TestTriggerSettlesRestingOrderThroughService(t *testing.T) {
	st := memstore.New()
	m := orderbook.NewManager(zap.NewNop())
	svc := settlement.NewService(st, noPrices{}, zap.NewNop(),
		settlement.Config{RestingLimits: true}, settlement.WithBook(m))

	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Credit(ctx, tx, userID, "USDT", d("1000"))
		return err
	}))

	order, err := svc.PlaceOrder(ctx, userID, settlement.PlaceOrderRequest{
		Pair: "BTC/USDT", Type: "LIMIT", Side: "BUY",
		Amount: d("0.01"), Price: decimal.NewNullDecimal(d("80000")),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, order.Status)
	require.Len(t, m.GetBookDepth("BTCUSDT", 0).Bids, 1)

	tk := ticker.New(zap.NewNop())
	updates, cancel := tk.Subscribe(8)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx, svc, updates) }()

	tk.Publish("BTCUSDT", d("85000"), ticker.SourceStream)
	tk.Publish("BTCUSDT", d("79500"), ticker.SourceStream)

	require.Eventually(t, func() bool {
		got, err := svc.GetOrder(ctx, userID, order.ID)
		return err == nil && got.Status == models.StatusFilled
	}, 3*time.Second, 10*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	assert.Empty(t, m.GetBookDepth("BTCUSDT", 0).Bids)
	wallets, err := st.ListWallets(ctx, userID)
	require.NoError(t, err)
	balances := map[string]*models.Wallet{}
	for _, w := range wallets {
		balances[w.Asset] = w
	}
	// Filled at the 80000 limit: 800 USDT spent from the lock.
	assert.True(t, balances["USDT"].Balance.Equal(d("200")), balances["USDT"].Balance.String())
	assert.True(t, balances["USDT"].LockedBalance.IsZero())
	assert.True(t, balances["BTC"].Balance.Equal(d("0.01")))
}
