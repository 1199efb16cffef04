package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/metals-ledger/internal/api"
	"github.com/atmx/metals-ledger/internal/asset"
	"github.com/atmx/metals-ledger/internal/config"
	"github.com/atmx/metals-ledger/internal/events"
	"github.com/atmx/metals-ledger/internal/hedge"
	"github.com/atmx/metals-ledger/internal/ledger"
	"github.com/atmx/metals-ledger/internal/limits"
	"github.com/atmx/metals-ledger/internal/lock"
	"github.com/atmx/metals-ledger/internal/logging"
	"github.com/atmx/metals-ledger/internal/metrics"
	"github.com/atmx/metals-ledger/internal/oracle"
	"github.com/atmx/metals-ledger/internal/pricing"
	"github.com/atmx/metals-ledger/internal/quote"
	"github.com/atmx/metals-ledger/internal/store"
	"github.com/atmx/metals-ledger/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, syncLogs := logging.New(cfg.Env)
	slog.SetDefault(logger)
	defer syncLogs()

	if err := run(cfg); err != nil {
		slog.Error("metals-ledger failed", "err", err)
		syncLogs()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	assets, err := newRegistry(cfg.Assets)
	if err != nil {
		return err
	}
	if cash := assets.Cash().Code; cash != cfg.Quote.Currency {
		return fmt.Errorf("quote.currency %s does not match cash asset %s", cfg.Quote.Currency, cash)
	}

	// --- Redis (quotes, balance cache, rebalance lock) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("connected to Redis")
	}

	// --- Store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		var cache store.BalanceCache
		if rdb != nil {
			cache = store.NewRedisCache(rdb, cfg.Cache.TTL)
			slog.Info("Redis balance cache enabled", "ttl", cfg.Cache.TTL)
		} else {
			local, err := store.NewLocalCache(cfg.Cache.Size, cfg.Cache.TTL)
			if err != nil {
				return fmt.Errorf("local cache: %w", err)
			}
			cleanup = append(cleanup, local.Close)
			cache = local
			slog.Info("in-process balance cache enabled", "ttl", cfg.Cache.TTL, "size", cfg.Cache.Size)
		}
		st = store.NewCachedStore(st, cache)
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var quoteStore quote.Store = quote.NewMemoryStore()
	var locker lock.Locker = lock.NewKeyedMutex()
	if rdb != nil {
		quoteStore = quote.NewRedisStore(rdb)
		locker = lock.NewRedisLocker(rdb, "metals-ledger:lock", 30*time.Second)
	} else {
		slog.Warn("redis.url not set, quotes and rebalance locks are process-local")
	}

	// --- Events ---
	hub := events.NewHub()
	go hub.Run(ctx)
	publishers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("Kafka event stream enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Prices ---
	seed := make(map[string]decimal.Decimal, len(cfg.Oracle.Prices))
	for _, p := range cfg.Oracle.Prices {
		seed[p.Symbol] = p.Value()
	}
	static := oracle.NewStaticOracle(seed)
	prices := oracle.NewGuarded(static, cfg.Oracle.MaxAge)
	// Static prices are re-stamped so the staleness guard accepts them.
	go refreshStatic(ctx, static, seed, cfg.Oracle.MaxAge/2)

	spread, err := pricing.NewSpread(cfg.Quote.SpreadBps)
	if err != nil {
		return err
	}

	// --- Services ---
	ledgerSvc := ledger.NewService(st, assets)
	quotes := quote.NewEngine(quoteStore, prices, assets, publishers, quote.Options{
		LockWindow:  cfg.Quote.LockWindow,
		Spread:      spread,
		MinQuantity: cfg.Quote.MinQty(),
		MaxQuantity: cfg.Quote.MaxQty(),
	})
	trades := trade.NewService(st, ledgerSvc, assets, quotes, prices, publishers, trade.Options{
		FeeRate: cfg.Trade.Fee(),
		Amounts: limits.Table{Default: limits.New(cfg.Trade.Min(), cfg.Trade.Max())},
		Spread:  spread,
	})
	calc := hedge.NewCalculator(st, assets, prices, locker, publishers, hedge.Options{
		TargetRatio: cfg.Hedge.Target(),
		Tolerance:   cfg.Hedge.Band(),
	})
	go hedge.NewMonitor(calc, assets, cfg.Hedge.Interval, cfg.Hedge.AutoExecute).Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"metals-ledger"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	// Long-lived; registered outside the request timeout.
	r.Get("/ws", hub.HandleWS)

	handler := api.NewHandler(ledgerSvc, quotes, trades, calc)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("metals-ledger listening", "port", cfg.HTTP.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down metals-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

func newRegistry(cfgs []config.AssetConfig) (*asset.Registry, error) {
	list := make([]asset.Asset, 0, len(cfgs))
	for _, c := range cfgs {
		list = append(list, asset.Asset{
			Code:            c.Code,
			Kind:            asset.Kind(c.Kind),
			Pair:            c.Pair,
			OracleSymbol:    c.OracleSymbol,
			HedgeInstrument: c.HedgeInstrument,
		})
	}
	return asset.NewRegistry(list)
}

// refreshStatic keeps configured development prices fresh until ctx ends.
func refreshStatic(ctx context.Context, o *oracle.StaticOracle, prices map[string]decimal.Decimal, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for symbol, value := range prices {
				o.Set(symbol, value)
			}
		}
	}
}
