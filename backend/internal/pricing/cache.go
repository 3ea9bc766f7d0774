package pricing

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

type cacheEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// Cache is a process-local price cache with a fixed time-to-live.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     Clock
	entries map[string]cacheEntry
}

// NewCache creates a cache whose entries expire ttl after they are stored.
func NewCache(ttl time.Duration, now Clock) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached price for symbol if it has not expired.
func (c *Cache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return decimal.Decimal{}, false
	}
	return e.price, true
}

func (c *Cache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.entries[symbol] = cacheEntry{price: price, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Purge drops expired entries.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// TTL is the lifetime of a cached price.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
