// Command tradebot runs the momentum trading engine against Kalshi's
// binary YES/NO markets: it discovers liquid markets, runs a momentum
// strategy per market, and manages entries/exits under a shared risk
// budget.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/config"
	"github.com/kxquant/momentum-engine/internal/discovery"
	"github.com/kxquant/momentum-engine/internal/engine"
	"github.com/kxquant/momentum-engine/internal/kalshi"
	"github.com/kxquant/momentum-engine/internal/money"
	"github.com/kxquant/momentum-engine/internal/notify"
	"github.com/kxquant/momentum-engine/internal/risk"
	"github.com/kxquant/momentum-engine/internal/storage"
	"github.com/kxquant/momentum-engine/internal/strategy"
	"github.com/kxquant/momentum-engine/internal/trader"
	"github.com/kxquant/momentum-engine/internal/tracker"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

// run holds the engine's lifecycle so every deferred cleanup (store close,
// context cancel) executes before the process exits — os.Exit in main
// itself would skip them.
func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Bool("dry_run", cfg.DryRun).Bool("demo", cfg.UseDemo).Msg("🚀 tradebot starting...")

	var store *storage.Store
	if cfg.DatabasePath != "" {
		store, err = storage.Open(cfg.DatabasePath)
		if err != nil {
			log.Error().Err(err).Msg("failed to open storage")
			return 1
		}
		defer store.Close()
	}

	jsonlSink, err := tracker.NewJSONLSink(cfg.TradeLogPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open trade log")
		return 1
	}
	defer jsonlSink.Close()

	var sink tracker.Sink = jsonlSink
	if store != nil {
		sink = tracker.TeeSink{Sinks: []tracker.Sink{jsonlSink, store}}
	}

	client, err := kalshi.NewClient(cfg.APIKey, cfg.PrivateKeyPath, cfg.UseDemo, cfg.DryRun)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize kalshi client")
		return 1
	}

	teleNotify, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize telegram notifier")
		return 1
	}

	orch := engine.New(
		engineConfig(cfg),
		client,
		client,
		nil, // feed subscriber is attached below, once the orchestrator's fan-out exists
		store,
		sink,
		teleNotify,
	)

	feedClient := kalshi.NewFeedClient(client, cfg.UseDemo, orch.FanOut())
	orch.SetSubscriber(feedClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go feedClient.Run(ctx)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orch.Run(ctx)
	}()

	go equitySnapshotLoop(ctx, client, teleNotify, cfg.EquitySnapshotInterval)

	teleNotify.NotifyStartup(modeLabel(cfg))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info().Msg("🛑 shutdown signal received")
		cancel()
		if err := <-runErrCh; err != nil {
			log.Error().Err(err).Msg("engine returned an error during shutdown")
		}
	case err := <-runErrCh:
		if err != nil {
			log.Error().Err(err).Msg("engine stopped with an unrecoverable error")
			teleNotify.NotifyError(err)
			exitCode = 2
		}
		cancel()
	}

	feedClient.Stop()
	log.Info().Msg("👋 goodbye")
	return exitCode
}

// equitySnapshotLoop periodically fetches the account balance and reports it
// to Telegram; NotifyEquity is a no-op when Telegram isn't configured.
func equitySnapshotLoop(ctx context.Context, client *kalshi.Client, teleNotify *notify.Telegram, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balanceCents, err := client.GetBalance(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("failed to fetch account balance for equity snapshot")
				continue
			}
			teleNotify.NotifyEquity(balanceCents)
		}
	}
}

func modeLabel(cfg *config.Config) string {
	if cfg.DryRun {
		return "dry-run"
	}
	if cfg.UseDemo {
		return "demo"
	}
	return "live"
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Risk: risk.Config{
			MaxPositionPerMarketCents: cfg.MaxPositionPerMarket,
			MaxTotalExposureCents:     cfg.MaxTotalExposure,
			MaxDailyLossCents:         cfg.MaxDailyLoss,
			CooldownSeconds:           cfg.CooldownSeconds,
		},
		Discovery: discovery.Config{
			ScanInterval: cfg.MarketScanInterval,
			MinVolume:    cfg.MinVolume,
			MaxSpread:    money.Price(cfg.MaxSpread),
			MaxMarkets:   cfg.MaxMarkets,
		},
		TraderTemplate: trader.Config{
			OrderSize:         cfg.OrderSize,
			StopLossCents:     cfg.StopLossCents,
			TrailingStopCents: cfg.TrailingStopCents,
			FeeCents:          int(cfg.KalshiFeeCents),
			Momentum: strategy.Config{
				Window:                  cfg.MomentumWindow,
				EntryThreshold:          money.Tenths(cfg.EntryThresholdCents * 10),
				ConvergenceThresholdPct: cfg.ConvergenceThresholdPct / 100,
			},
		},
	}
}
