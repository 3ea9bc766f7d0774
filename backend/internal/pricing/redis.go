package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// SharedCache is a price cache visible to every instance of the service.
type SharedCache interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) error
}

// RedisCache stores live prices at "price:{symbol}" with a Redis-side expiry.
type RedisCache struct {
	rdb *redis.Client
}

var _ SharedCache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

func (c *RedisCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	val, err := c.rdb.Get(ctx, priceKey(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Decimal{}, false, nil
	}
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	return price, true, nil
}

func (c *RedisCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, priceKey(symbol), price.String(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}
