package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/spotexchange/backend/internal/auth"
	"github.com/user/spotexchange/backend/internal/config"
	"github.com/user/spotexchange/backend/internal/database"
	"github.com/user/spotexchange/backend/internal/handlers"
	"github.com/user/spotexchange/backend/internal/logger"
	"github.com/user/spotexchange/backend/internal/marketstream"
	"github.com/user/spotexchange/backend/internal/memstore"
	"github.com/user/spotexchange/backend/internal/middleware"
	"github.com/user/spotexchange/backend/internal/orderbook"
	"github.com/user/spotexchange/backend/internal/pricing"
	"github.com/user/spotexchange/backend/internal/settlement"
	"github.com/user/spotexchange/backend/internal/store"
	"github.com/user/spotexchange/backend/internal/ticker"
	internalws "github.com/user/spotexchange/backend/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to a config file (default ./config.yaml when present)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		// No logger yet.
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Insecure {
		log.Warn("JWT_SECRET is not set, using the built-in development secret. Do not run this in production.")
	}

	g, ctx := errgroup.WithContext(ctx)

	// --- Storage ---
	var (
		st    store.Store
		users store.Users
		ping  func(ctx context.Context) error
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.Storage.DatabaseURL, cfg.Storage.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		pg := database.NewStore(pool, log)
		st, users, ping = pg, pg, pool.Ping
		g.Go(func() error {
			database.ReportPoolStats(ctx, pool, cfg.Storage.StatsEvery)
			return nil
		})
	default:
		log.Warn("Using in-memory storage, all state is lost on exit")
		mem := memstore.New()
		st, users = mem, mem
	}

	// --- Prices ---
	cache := pricing.NewCache(cfg.Pricing.CacheTTL, time.Now)
	opts := []pricing.Option{
		pricing.WithTimeout(cfg.Pricing.Timeout),
		pricing.WithRetry(cfg.Pricing.Retries, cfg.Pricing.BackoffMin, cfg.Pricing.BackoffMax),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unreachable, shared price cache will retry per request", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		opts = append(opts, pricing.WithSharedCache(pricing.NewRedisCache(rdb)))
	}
	provider := pricing.NewCoinGeckoClient(cfg.Pricing.BaseURL, cfg.Pricing.APIKey, cfg.Pricing.Timeout)
	resolver := pricing.NewResolver(provider, cache, log, opts...)
	g.Go(func() error {
		purgeCache(ctx, cache, log)
		return nil
	})

	// --- Orders ---
	book := orderbook.NewManager(log)
	orders := settlement.NewService(st, resolver, log, settlement.Config{
		FeeRate:           cfg.Orders.FeeRate,
		RestingLimits:     cfg.Orders.RestingLimits,
		StrictMarketPrice: cfg.Orders.StrictMarketPrice,
	}, settlement.WithBook(book))
	resting, err := orders.RestingOrders(ctx)
	if err != nil {
		return err
	}
	book.Load(resting)

	// --- Market data ---
	tick := ticker.New(log)
	hub := internalws.NewHub(log)
	streamState := func() string { return "simulated" }
	if cfg.Stream.URL != "" {
		stream := marketstream.New(marketstream.Config{URL: cfg.Stream.URL}, log)
		unfollow := tick.Follow(stream, cfg.Stream.Symbols)
		defer unfollow()
		stream.OnStateChange(func(_, to marketstream.State) { hub.NotifyStream(to.String()) })
		streamState = func() string { return stream.State().String() }
		g.Go(func() error { return stream.Run(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			if err := stream.Close(); err != nil {
				log.Debug("Market stream close", zap.Error(err))
			}
			return nil
		})
	} else {
		g.Go(func() error { return tick.Simulate(ctx, cfg.Stream.Symbols, cfg.Ticker.SimulateInterval) })
	}

	hubUpdates, cancelHub := tick.Subscribe(256)
	defer cancelHub()
	g.Go(func() error { return hub.Run(ctx, hubUpdates) })

	if cfg.Orders.RestingLimits {
		bookUpdates, cancelBook := tick.Subscribe(256)
		defer cancelBook()
		g.Go(func() error { return book.Run(ctx, orders, bookUpdates) })
	}

	// --- HTTP ---
	app := fiber.New(fiber.Config{
		AppName:      "spotexchange",
		ErrorHandler: handlers.ErrorHandler(log),
	})
	app.Use(middleware.RequestLogger(log))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	handlers.New(handlers.Deps{
		Orders:        orders,
		Users:         users,
		Prices:        resolver,
		Book:          book,
		Tokens:        auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Ticker:        tick,
		Hub:           hub,
		Logger:        log,
		AllowDeposits: cfg.Wallets.AllowDeposits,
		Ping:          ping,
		StreamState:   streamState,
	}).Register(app)

	g.Go(func() error {
		log.Info("Starting server", zap.String("addr", cfg.HTTP.Addr))
		return app.Listen(cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// purgeCache drops expired local price entries once per TTL.
func purgeCache(ctx context.Context, cache *pricing.Cache, log *zap.Logger) {
	interval := cache.TTL()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := cache.Purge(); n > 0 {
				log.Debug("Purged expired prices", zap.Int("count", n))
			}
		}
	}
}
