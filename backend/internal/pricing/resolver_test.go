package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
	err    error
	calls  [][]string
}

func (f *fakeProvider) USDQuotes(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), assets...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal)
	for _, a := range assets {
		if q, ok := f.quotes[a]; ok {
			out[a] = q
		}
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestResolver(p Provider, clock *fakeClock, opts ...Option) *Resolver {
	opts = append([]Option{WithRetry(0, time.Millisecond, time.Millisecond)}, opts...)
	return NewResolver(p, NewCache(30*time.Second, clock.Now), zap.NewNop(), opts...)
}

func TestPriceIsCachedForTTL(t *testing.T) {
	provider := &fakeProvider{quotes: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(90000)}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestResolver(provider, clock)
	ctx := context.Background()

	q1, err := r.Price(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q1.Source)
	assert.True(t, q1.Price.Equal(decimal.NewFromInt(90000)))

	provider.quotes["BTC"] = decimal.NewFromInt(91000)
	clock.Advance(29 * time.Second)
	q2, err := r.Price(ctx, "btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, q2.Source)
	assert.True(t, q2.Price.Equal(q1.Price))
	assert.Equal(t, 1, provider.callCount())

	clock.Advance(time.Second)
	q3, err := r.Price(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q3.Source)
	assert.True(t, q3.Price.Equal(decimal.NewFromInt(91000)))
	assert.Equal(t, 2, provider.callCount())
}

func TestPriceFallsBackOnProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connection refused")}
	clock := &fakeClock{now: time.Now()}
	r := newTestResolver(provider, clock)

	q, err := r.Price(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, q.Source)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(3200)))
	assert.Error(t, q.Cause)

	q, err = r.Price(context.Background(), "ETHUSDC")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, q.Source)

	q, err = r.Price(context.Background(), "FOOUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, q.Source)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(1)))
}

func TestPriceTreatsNonPositiveQuoteAsFailure(t *testing.T) {
	provider := &fakeProvider{quotes: map[string]decimal.Decimal{"SOL": decimal.Zero}}
	r := newTestResolver(provider, &fakeClock{now: time.Now()})

	q, err := r.Price(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, q.Source)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(150)))
}

func TestPriceCrossQuoteDivides(t *testing.T) {
	provider := &fakeProvider{quotes: map[string]decimal.Decimal{
		"ETH": decimal.NewFromInt(3000),
		"BTC": decimal.NewFromInt(60000),
	}}
	r := newTestResolver(provider, &fakeClock{now: time.Now()})

	q, err := r.Price(context.Background(), "ETHBTC")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q.Source)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.05")))
	assert.ElementsMatch(t, []string{"ETH", "BTC"}, provider.calls[0])
}

func TestPriceUnparsable(t *testing.T) {
	provider := &fakeProvider{}
	r := newTestResolver(provider, &fakeClock{now: time.Now()})
	_, err := r.Price(context.Background(), "AB")
	require.Error(t, err)
	assert.Zero(t, provider.callCount())
}

func TestPriceRetriesBeforeFallingBack(t *testing.T) {
	provider := &fakeProvider{err: errors.New("503")}
	r := NewResolver(provider, NewCache(30*time.Second, nil), zap.NewNop(),
		WithRetry(2, time.Millisecond, 2*time.Millisecond))

	q, err := r.Price(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, q.Source)
	assert.Equal(t, 3, provider.callCount())
}

func TestPricesBatchUsesOneProviderCall(t *testing.T) {
	provider := &fakeProvider{quotes: map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(90000),
		"ETH": decimal.NewFromInt(3000),
	}}
	clock := &fakeClock{now: time.Now()}
	r := newTestResolver(provider, clock)
	ctx := context.Background()

	_, err := r.Price(ctx, "BTCUSDT")
	require.NoError(t, err)

	quotes, err := r.Prices(ctx, []string{"BTCUSDT", "ETH/USDT", "XRPUSDT", "ZZZUSDT"})
	require.NoError(t, err)
	require.Len(t, quotes, 4)
	assert.Equal(t, SourceCache, quotes["BTCUSDT"].Source)
	assert.Equal(t, SourceLive, quotes["ETHUSDT"].Source)
	assert.Equal(t, SourceFallback, quotes["XRPUSDT"].Source)
	assert.Equal(t, SourceDefault, quotes["ZZZUSDT"].Source)

	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, []string{"ETH", "XRP", "ZZZ"}, provider.calls[1])
}

func TestPricesRejectsUnparsableSymbol(t *testing.T) {
	r := newTestResolver(&fakeProvider{}, &fakeClock{now: time.Now()})
	_, err := r.Prices(context.Background(), []string{"BTCUSDT", "AB"})
	assert.Error(t, err)
}

func TestSharedCacheServesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	shared := NewRedisCache(rdb)

	provider := &fakeProvider{quotes: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(88000)}}
	clock := &fakeClock{now: time.Now()}
	first := newTestResolver(provider, clock, WithSharedCache(shared))
	second := newTestResolver(provider, clock, WithSharedCache(shared))
	ctx := context.Background()

	q, err := first.Price(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q.Source)

	q, err = second.Price(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, q.Source)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(88000)))
	assert.Equal(t, 1, provider.callCount())

	mr.FastForward(31 * time.Second)
	_, ok, err := shared.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoinGeckoClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin,ethereum,foo", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":90123.45},"ethereum":{"usd":3100}}`))
	}))
	defer srv.Close()

	c := NewCoinGeckoClient(srv.URL, "", time.Second)
	quotes, err := c.USDQuotes(context.Background(), []string{"BTC", "ETH", "FOO"})
	require.NoError(t, err)
	assert.True(t, quotes["BTC"].Equal(decimal.RequireFromString("90123.45")))
	assert.True(t, quotes["ETH"].Equal(decimal.NewFromInt(3100)))
	_, ok := quotes["FOO"]
	assert.False(t, ok)
}

func TestCoinGeckoClientNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCoinGeckoClient(srv.URL, "", time.Second)
	_, err := c.USDQuotes(context.Background(), []string{"BTC"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestCachePurge(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := NewCache(time.Minute, clock.Now)
	c.Set("BTCUSDT", decimal.NewFromInt(1))
	c.Set("ETHUSDT", decimal.NewFromInt(2))
	clock.Advance(2 * time.Minute)
	c.Set("SOLUSDT", decimal.NewFromInt(3))

	assert.Equal(t, 2, c.Purge())
	_, ok := c.Get("SOLUSDT")
	assert.True(t, ok)
}
