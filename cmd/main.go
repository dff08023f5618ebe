// Command lotbot runs the multi-account spot trading loop.
// It supports Binance, Bybit, Hyperliquid and a local paper exchange and is configured with a
// YAML file.
//
// Usage:
//
//	lotbot -config config.yaml
//	lotbot -setup (interactive wizard, writes config.gen.yaml)
//	lotbot -resume acc1,acc2 -reset-breaker all -trip-breaker acc3
//
// While running, SIGUSR1 resumes buying of every account and SIGUSR2 resets
// every circuit breaker.
//
// Environment variables (defaults, overridden per account by api_key_env,
// api_secret_env and private_key_env):
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY
//	Alerts: TELEGRAM_BOT_TOKEN
//	Postgres storage: LOTBOT_PG_DSN
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vadiminshakov/lotbot/config"
	"github.com/vadiminshakov/lotbot/internal/alerts"
	"github.com/vadiminshakov/lotbot/internal/clients"
	"github.com/vadiminshakov/lotbot/internal/engine"
	"github.com/vadiminshakov/lotbot/internal/events"
	"github.com/vadiminshakov/lotbot/internal/metrics"
	"github.com/vadiminshakov/lotbot/internal/setup"
	"github.com/vadiminshakov/lotbot/internal/storage/accountstore"
	"github.com/vadiminshakov/lotbot/internal/storage/pgstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type closableStore interface {
	engine.Store
	lister
	Close() error
}

func main() {
	flags := config.ParseFlags()

	configPath := flags.ConfigPath
	if flags.Setup {
		path, err := setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
		configPath = path
	}

	cfg, err := config.Get(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(flags.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags.Controls, logger); err != nil {
		logger.Fatal("lotbot stopped with error", zap.Error(err))
	}
	logger.Info("lotbot stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, controls config.Controls, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	exchange, err := clients.New(cfg, "", logger)
	if err != nil {
		return err
	}

	bus := events.NewBroadcaster(64)
	eng := engine.New(store, exchange.Pricer(), cfg.Engine, logger, bus)
	for _, acc := range cfg.Accounts {
		gw, err := exchange.Gateway(acc)
		if err != nil {
			return err
		}
		err = eng.AddAccount(ctx, engine.AccountSpec{
			ID:      acc.ID,
			Pair:    acc.Pair,
			Active:  acc.Active,
			Combos:  acc.Combos,
			Gateway: gw,
		})
		if err != nil {
			return err
		}
		logger.Info("account added",
			zap.String("account", acc.ID),
			zap.String("pair", acc.Pair.String()),
			zap.Int("combos", len(acc.Combos)),
			zap.Bool("active", acc.Active))
	}

	orphans, err := unconfiguredAccounts(ctx, store, cfg.Accounts)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		logger.Warn("stored account is not configured and will not trade", zap.String("account", id))
	}

	if err := applyControls(ctx, eng, controls, logger); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchSignals(gctx, eng, sigs, logger)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, logger)
		})
	}
	if cfg.Telegram.Enabled() {
		notifier, err := alerts.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, logger.Named("alerts"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return notifier.Run(gctx, bus)
		})
	}
	g.Go(func() error {
		return eng.Run(gctx)
	})

	logger.Info("lotbot started", zap.String("platform", cfg.Platform), zap.Int("accounts", len(cfg.Accounts)))
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (closableStore, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		s, err := pgstore.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		s, err := accountstore.NewWALStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
