// Package pricing resolves market prices for trading pairs.
//
// Lookups go through a process-local TTL cache, an optional shared Redis tier and
// finally the market-data provider. When the provider is unreachable the resolver
// degrades to a static table and, for unknown symbols, to a price of 1. The source of
// every price is reported so callers can refuse degraded values.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/metrics"
	"go.uber.org/zap"
)

// Source tells where a resolved price came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceDefault  Source = "default"
)

// Quote is a resolved price.
type Quote struct {
	Symbol string          `json:"symbol"`
	Pair   Pair            `json:"pair"`
	Price  decimal.Decimal `json:"price"`
	Source Source          `json:"source"`
	// Cause is the provider error behind a fallback or default price.
	Cause error `json:"-"`
}

// Resolver resolves prices. It is safe for concurrent use.
type Resolver struct {
	provider Provider
	cache    *Cache
	shared   SharedCache
	logger   *zap.Logger

	timeout    time.Duration
	retries    int
	backoffMin time.Duration
	backoffMax time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSharedCache adds a cross-instance cache tier consulted after the local one.
func WithSharedCache(c SharedCache) Option {
	return func(r *Resolver) {
		r.shared = c
	}
}

// WithTimeout bounds each provider attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithRetry sets how many times a failed provider call is retried and the backoff bounds.
func WithRetry(retries int, min, max time.Duration) Option {
	return func(r *Resolver) {
		r.retries = retries
		r.backoffMin = min
		r.backoffMax = max
	}
}

// NewResolver creates a resolver over provider using cache for local memoization.
func NewResolver(provider Provider, cache *Cache, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		provider:   provider,
		cache:      cache,
		logger:     logger,
		timeout:    5 * time.Second,
		retries:    2,
		backoffMin: 200 * time.Millisecond,
		backoffMax: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Price resolves the current price of symbol. It fails only for unparsable symbols.
func (r *Resolver) Price(ctx context.Context, symbol string) (Quote, error) {
	pair, err := ParsePair(symbol)
	if err != nil {
		return Quote{}, err
	}
	if q, ok := r.cached(ctx, pair); ok {
		return observe(q), nil
	}

	quotes, err := r.fetch(ctx, assetsFor(pair))
	if err == nil {
		var price decimal.Decimal
		if price, err = priceFrom(pair, quotes); err == nil {
			r.store(ctx, pair.Symbol(), price)
			return observe(Quote{Symbol: pair.Symbol(), Pair: pair, Price: price, Source: SourceLive}), nil
		}
	}
	return observe(r.degrade(pair, err)), nil
}

// Prices resolves several symbols with at most one provider call. The result is keyed
// by normalized symbol. Any unparsable symbol fails the whole batch.
func (r *Resolver) Prices(ctx context.Context, symbols []string) (map[string]Quote, error) {
	pairs := make(map[string]Pair, len(symbols))
	for _, s := range symbols {
		pair, err := ParsePair(s)
		if err != nil {
			return nil, err
		}
		pairs[pair.Symbol()] = pair
	}

	out := make(map[string]Quote, len(pairs))
	missing := make([]Pair, 0, len(pairs))
	assets := make(map[string]struct{})
	for key, pair := range pairs {
		if q, ok := r.cached(ctx, pair); ok {
			out[key] = observe(q)
			continue
		}
		missing = append(missing, pair)
		for _, a := range assetsFor(pair) {
			assets[a] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	list := make([]string, 0, len(assets))
	for a := range assets {
		list = append(list, a)
	}
	sort.Strings(list)

	quotes, fetchErr := r.fetch(ctx, list)
	for _, pair := range missing {
		err := fetchErr
		if err == nil {
			var price decimal.Decimal
			if price, err = priceFrom(pair, quotes); err == nil {
				r.store(ctx, pair.Symbol(), price)
				out[pair.Symbol()] = observe(Quote{Symbol: pair.Symbol(), Pair: pair, Price: price, Source: SourceLive})
				continue
			}
		}
		out[pair.Symbol()] = observe(r.degrade(pair, err))
	}
	return out, nil
}

func (r *Resolver) cached(ctx context.Context, pair Pair) (Quote, bool) {
	key := pair.Symbol()
	if price, ok := r.cache.Get(key); ok {
		return Quote{Symbol: key, Pair: pair, Price: price, Source: SourceCache}, true
	}
	if r.shared == nil {
		return Quote{}, false
	}
	price, ok, err := r.shared.GetPrice(ctx, key)
	if err != nil {
		r.logger.Warn("Shared price cache read failed", zap.String("symbol", key), zap.Error(err))
		return Quote{}, false
	}
	if !ok {
		return Quote{}, false
	}
	r.cache.Set(key, price)
	return Quote{Symbol: key, Pair: pair, Price: price, Source: SourceCache}, true
}

func (r *Resolver) store(ctx context.Context, symbol string, price decimal.Decimal) {
	r.cache.Set(symbol, price)
	if r.shared == nil {
		return
	}
	if err := r.shared.SetPrice(ctx, symbol, price, r.cache.TTL()); err != nil {
		r.logger.Warn("Shared price cache write failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (r *Resolver) degrade(pair Pair, cause error) Quote {
	q := Quote{Symbol: pair.Symbol(), Pair: pair, Cause: cause}
	if price, ok := FallbackPrice(pair); ok {
		q.Price, q.Source = price, SourceFallback
	} else {
		q.Price, q.Source = defaultPrice, SourceDefault
	}
	r.logger.Warn("Using degraded price",
		zap.String("symbol", q.Symbol),
		zap.String("source", string(q.Source)),
		zap.String("price", q.Price.String()),
		zap.Error(cause))
	return q
}

// fetch calls the provider with a per-attempt timeout and jittered exponential backoff.
func (r *Resolver) fetch(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	b := &backoff.Backoff{Min: r.backoffMin, Max: r.backoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		quotes, err := r.provider.USDQuotes(callCtx, assets)
		cancel()
		metrics.ProviderLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return quotes, nil
		}

		metrics.ProviderErrors.Inc()
		lastErr = err
		r.logger.Debug("Price provider attempt failed",
			zap.Strings("assets", assets), zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

var errNoQuote = errors.New("provider returned no usable quote")

func assetsFor(p Pair) []string {
	if IsUSDQuote(p.Quote) {
		return []string{p.Base}
	}
	return []string{p.Base, p.Quote}
}

func priceFrom(p Pair, quotes map[string]decimal.Decimal) (decimal.Decimal, error) {
	base, ok := quotes[p.Base]
	if !ok || !base.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", p.Base, errNoQuote)
	}
	if IsUSDQuote(p.Quote) {
		return base, nil
	}
	quote, ok := quotes[p.Quote]
	if !ok || !quote.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", p.Quote, errNoQuote)
	}
	return base.Div(quote), nil
}

func observe(q Quote) Quote {
	metrics.PriceResolutions.WithLabelValues(string(q.Source)).Inc()
	return q
}
