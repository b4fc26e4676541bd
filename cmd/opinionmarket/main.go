package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/opinionmarket/internal/config"
	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/handler"
	"github.com/efreitasn/opinionmarket/internal/lock"
	"github.com/efreitasn/opinionmarket/internal/service"
	"github.com/efreitasn/opinionmarket/internal/store"
	"github.com/efreitasn/opinionmarket/internal/store/sqlite"
	"github.com/efreitasn/opinionmarket/internal/transfer"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/healthz", cfg.Server.Port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "opinionmarket").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server-failed")
		os.Exit(1)
	}
	logger.Info().Msg("server-stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	clock := domain.SystemClock{}

	st, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	tokens := transfer.NewMemory()
	for account, amount := range cfg.Transfer.Balances {
		if err := tokens.Mint(account, amount); err != nil {
			return fmt.Errorf("seed balance for %s: %w", account, err)
		}
	}

	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), cfg.Webhook.Timeout.Duration, clock, logger)

	watcher := engine.NewCloseWatcher(cfg.Watcher.Interval.Duration, st, webhookSvc, clock, logger)
	if err := watcher.Load(ctx); err != nil {
		return fmt.Errorf("load open markets: %w", err)
	}

	limits := limitsFromConfig(cfg.Market)
	ledger := engine.NewLedger(st, locker, tokens, clock, engine.LedgerOptions{
		Limits:  limits,
		Vault:   cfg.Market.Vault,
		Events:  webhookSvc,
		Watcher: watcher,
		Logger:  logger,
	})
	if err := bootstrapAdmin(ctx, ledger, cfg.Admin, logger); err != nil {
		return err
	}

	marketSvc := service.NewMarketService(st, limits, clock)
	router := handler.NewRouter(ledger, marketSvc, webhookSvc, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Str("lock", cfg.Lock.Driver).Msg("server-starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown-started")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg config.StoreConfig, logger zerolog.Logger) (domain.Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlite.Open(cfg.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, closeLogged(st, "store", logger), nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func openLocker(ctx context.Context, cfg config.LockConfig, logger zerolog.Logger) (engine.MarketLocker, func(), error) {
	switch cfg.Driver {
	case "redis":
		l, err := lock.NewRedisLocker(ctx, lock.Config{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TLSEnabled: cfg.RedisTLS,
			TTL:        cfg.TTL.Duration,
			RetryBase:  cfg.RetryBase.Duration,
			RetryMax:   cfg.RetryMax.Duration,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis locker: %w", err)
		}
		return l, closeLogged(l, "redis", logger), nil
	default:
		return engine.NewLocalLocker(), func() {}, nil
	}
}

func closeLogged(c io.Closer, name string, logger zerolog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Str("resource", name).Msg("close-failed")
		}
	}
}

// bootstrapAdmin initializes the admin record on first start. A store that
// is already initialized keeps its admin.
func bootstrapAdmin(ctx context.Context, ledger *engine.Ledger, cfg config.AdminConfig, logger zerolog.Logger) error {
	if cfg.Account == "" {
		logger.Warn().Msg("admin-not-configured")
		return nil
	}
	_, err := ledger.Initialize(ctx, cfg.Account, cfg.FeeRateBps, cfg.MinLiquidity)
	if errors.Is(err, domain.ErrAlreadyInitialized) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("initialize admin: %w", err)
	}
	return nil
}

func limitsFromConfig(m config.MarketConfig) engine.Limits {
	return engine.Limits{
		MinDuration:          m.MinDuration.Duration,
		MaxDuration:          m.MaxDuration.Duration,
		MinLiquidity:         engine.DefaultLimits().MinLiquidity,
		MaxLiquidity:         m.MaxLiquidity,
		MinCost:              m.MinCost,
		MaxCost:              m.MaxCost,
		MinShares:            m.MinShares,
		MaxShares:            m.MaxShares,
		SlippageToleranceBps: m.SlippageToleranceBps,
	}
}
