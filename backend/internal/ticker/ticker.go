// Package ticker keeps the last traded price of each symbol and fans price
// updates out to subscribers. Prices come from the exchange market stream or,
// when no stream is configured, from a simulated random walk.
package ticker

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/user/spotexchange/backend/internal/marketstream"
	"github.com/user/spotexchange/backend/internal/pricing"
	"go.uber.org/zap"
)

// Update sources.
const (
	SourceStream    = "stream"
	SourceSimulated = "simulated"
)

// PriceUpdate represents a single price update for a symbol.
type PriceUpdate struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
	Ts     int64           `json:"ts"` // Unix timestamp milliseconds
}

// Ticker holds current prices. It is safe for concurrent use.
type Ticker struct {
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]decimal.Decimal

	subsMu sync.Mutex
	subs   map[chan PriceUpdate]struct{}
}

// New creates an empty ticker.
func New(logger *zap.Logger) *Ticker {
	return &Ticker{
		logger: logger,
		now:    time.Now,
		prices: make(map[string]decimal.Decimal),
		subs:   make(map[chan PriceUpdate]struct{}),
	}
}

// Publish records price as the current price of symbol and notifies subscribers.
// Non-positive prices are ignored.
func (t *Ticker) Publish(symbol string, price decimal.Decimal, source string) {
	if !price.IsPositive() {
		return
	}
	symbol = strings.ToUpper(symbol)

	t.mu.Lock()
	t.prices[symbol] = price
	t.mu.Unlock()

	update := PriceUpdate{Symbol: symbol, Price: price, Source: source, Ts: t.now().UnixMilli()}

	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for ch := range t.subs {
		// Non-blocking send so a slow subscriber never stalls the feed.
		select {
		case ch <- update:
		default:
			t.logger.Debug("Price update channel full, dropping update", zap.String("symbol", symbol))
		}
	}
}

// Subscribe returns a channel receiving every later update. Cancel closes it.
func (t *Ticker) Subscribe(buffer int) (updates <-chan PriceUpdate, cancel func()) {
	ch := make(chan PriceUpdate, buffer)
	t.subsMu.Lock()
	t.subs[ch] = struct{}{}
	t.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, ch)
			t.subsMu.Unlock()
			close(ch)
		})
	}
}

// Price returns the current price of symbol.
func (t *Ticker) Price(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[strings.ToUpper(symbol)]
	return p, ok
}

// Prices returns a copy of the current prices.
func (t *Ticker) Prices() map[string]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pricesCopy := make(map[string]decimal.Decimal, len(t.prices))
	for k, v := range t.prices {
		pricesCopy[k] = v
	}
	return pricesCopy
}

// Follow subscribes to the mini-ticker stream of every symbol and publishes
// each close price. The returned function drops the subscriptions.
func (t *Ticker) Follow(client *marketstream.Client, symbols []string) (stop func()) {
	unsubs := make([]func(), 0, len(symbols))
	for _, symbol := range symbols {
		unsubs = append(unsubs, client.Subscribe(marketstream.MiniTickerStream(symbol), t.handleMiniTicker))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (t *Ticker) handleMiniTicker(stream string, data json.RawMessage) {
	ev, err := marketstream.DecodeMiniTicker(data)
	if err != nil {
		t.logger.Warn("Dropping malformed mini ticker", zap.String("stream", stream), zap.Error(err))
		return
	}
	t.Publish(ev.Symbol, ev.Close, SourceStream)
}

// Simulate moves the price of every symbol by up to +/-0.5% each interval until
// ctx is cancelled. Symbols start from their fallback price, or 1 when unknown.
func (t *Ticker) Simulate(ctx context.Context, symbols []string, interval time.Duration) error {
	for _, symbol := range symbols {
		if _, ok := t.Price(symbol); ok {
			continue
		}
		start := decimal.NewFromInt(1)
		if pair, err := pricing.ParsePair(symbol); err == nil {
			if p, ok := pricing.FallbackPrice(pair); ok {
				start = p
			}
		}
		t.Publish(symbol, start, SourceSimulated)
	}

	t.logger.Info("Simulating price ticker", zap.Strings("symbols", symbols), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(t.now().UnixNano()))
	hundred := decimal.NewFromInt(100)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, symbol := range symbols {
				old, _ := t.Price(symbol)
				changePercent := decimal.NewFromFloat(rng.Float64() - 0.5).Div(hundred)
				next := old.Mul(decimal.NewFromInt(1).Add(changePercent)).Round(8)
				if !next.IsPositive() {
					next = old
				}
				t.Publish(symbol, next, SourceSimulated)
			}
		}
	}
}
