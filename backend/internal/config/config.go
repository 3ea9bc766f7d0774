// Package config loads server configuration from defaults, an optional config
// file, a .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const insecureJWTSecret = "!!REPLACE_THIS_WITH_A_STRONG_SECRET_KEY!!"

// Order amounts carry at most 8 decimal places; fees must fit the 18 stored.
const maxFeeDecimals = 10

// Config is the full server configuration.
type Config struct {
	HTTP     HTTPConfig    `mapstructure:"http"`
	Log      LogConfig     `mapstructure:"log"`
	Storage  StorageConfig `mapstructure:"storage"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Orders   OrdersConfig  `mapstructure:"orders"`
	Wallets  WalletsConfig `mapstructure:"wallets"`
	Pricing  PricingConfig `mapstructure:"pricing"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Stream   StreamConfig  `mapstructure:"stream"`
	Ticker   TickerConfig  `mapstructure:"ticker"`
	Insecure bool          `mapstructure:"-"` // set when the memory driver runs on the built-in JWT secret
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	Driver      string        `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	MaxConns    int32         `mapstructure:"max_conns"`
	StatsEvery  time.Duration `mapstructure:"stats_interval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type OrdersConfig struct {
	RestingLimits     bool            `mapstructure:"resting_limits"`
	StrictMarketPrice bool            `mapstructure:"strict_market_price"`
	FeeRateRaw        string          `mapstructure:"fee_rate"`
	FeeRate           decimal.Decimal `mapstructure:"-"`
}

type WalletsConfig struct {
	AllowDeposits bool `mapstructure:"allow_deposits"`
}

type PricingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StreamConfig struct {
	URL     string   `mapstructure:"url"`
	Symbols []string `mapstructure:"symbols"`
}

type TickerConfig struct {
	SimulateInterval time.Duration `mapstructure:"simulate_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.stats_interval", 15*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("orders.resting_limits", false)
	v.SetDefault("orders.strict_market_price", false)
	v.SetDefault("orders.fee_rate", "0.001")

	v.SetDefault("wallets.allow_deposits", false)

	v.SetDefault("pricing.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("pricing.api_key", "")
	v.SetDefault("pricing.cache_ttl", 30*time.Second)
	v.SetDefault("pricing.timeout", 5*time.Second)
	v.SetDefault("pricing.retries", 2)
	v.SetDefault("pricing.backoff_min", 200*time.Millisecond)
	v.SetDefault("pricing.backoff_max", 2*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stream.url", "")
	v.SetDefault("stream.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})

	v.SetDefault("ticker.simulate_interval", 2*time.Second)
}

// Load reads configuration. configFile may be empty, in which case ./config.yaml is
// used when present. A .env file in the working directory is loaded first; it never
// overrides variables already set.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional unprefixed names.
	_ = v.BindEnv("storage.database_url", "EXCHANGE_STORAGE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("auth.jwt_secret", "EXCHANGE_AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("redis.addr", "EXCHANGE_REDIS_ADDR", "REDIS_ADDR")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Comma separated lists from the environment arrive as one element.
	if len(cfg.Stream.Symbols) == 1 && strings.Contains(cfg.Stream.Symbols[0], ",") {
		cfg.Stream.Symbols = strings.Split(cfg.Stream.Symbols[0], ",")
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres storage driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	fee, err := decimal.NewFromString(c.Orders.FeeRateRaw)
	if err != nil {
		return fmt.Errorf("invalid orders.fee_rate %q: %w", c.Orders.FeeRateRaw, err)
	}
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("orders.fee_rate must be in [0, 1), got %s", fee)
	}
	if !fee.Equal(fee.Truncate(maxFeeDecimals)) {
		return fmt.Errorf("orders.fee_rate allows at most %d decimal places, got %s", maxFeeDecimals, fee)
	}
	c.Orders.FeeRate = fee

	for i, s := range c.Stream.Symbols {
		c.Stream.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if c.Auth.JWTSecret == "" {
		if c.Storage.Driver == DriverPostgres {
			return errors.New("JWT_SECRET is required for the postgres storage driver")
		}
		c.Auth.JWTSecret = insecureJWTSecret
		c.Insecure = true
	}
	return nil
}
