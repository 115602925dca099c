// Package config loads the engine's runtime configuration from environment
// variables (optionally seeded from a .env file by the caller), following
// the teacher's getEnv* idiom: every field has a sane default and an invalid
// override value falls back to it rather than aborting startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of options the CLI surface recognizes (§6). All
// are optional; defaults match the reference scenarios.
type Config struct {
	APIKey         string
	PrivateKeyPath string
	UseDemo        bool
	DryRun         bool

	MinVolume int64
	MaxSpread int // cents

	MomentumWindow          time.Duration
	EntryThresholdCents     int64
	ConvergenceThresholdPct float64

	OrderSize             int
	MaxPositionPerMarket  int64 // contracts
	MaxTotalExposure      int64 // cents
	StopLossCents         int64
	TrailingStopCents     int64
	KalshiFeeCents        int64
	MaxDailyLoss          int64 // cents
	CooldownSeconds       time.Duration

	MaxMarkets         int
	MarketScanInterval time.Duration

	TelegramToken           string
	TelegramChatID          string
	EquitySnapshotInterval  time.Duration

	// TradeLogPath is where the default JSONLSink appends closed trades.
	// DatabasePath is optional — when empty, the GORM store (and the crash
	// recovery it enables) is disabled entirely and trades are logged to
	// TradeLogPath alone.
	TradeLogPath string
	DatabasePath string
	Debug        bool
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:         os.Getenv("KALSHI_API_KEY"),
		PrivateKeyPath: getEnv("KALSHI_PRIVATE_KEY_PATH", "kalshi_private_key.pem"),
		UseDemo:        getEnvBool("USE_DEMO", false),
		DryRun:         getEnvBool("DRY_RUN", true),

		MinVolume: getEnvInt64("MIN_VOLUME", 0),
		MaxSpread: getEnvInt("MAX_SPREAD", 5),

		MomentumWindow:          getEnvDuration("MOMENTUM_WINDOW_SECONDS", 5*time.Second),
		EntryThresholdCents:     getEnvInt64("ENTRY_THRESHOLD_CENTS", 2),
		ConvergenceThresholdPct: getEnvFloat("CONVERGENCE_THRESHOLD_PCT", 3.0),

		OrderSize:            getEnvInt("ORDER_SIZE", 5),
		MaxPositionPerMarket: getEnvInt64("MAX_POSITION_PER_MARKET", 2500),
		MaxTotalExposure:     getEnvInt64("MAX_TOTAL_EXPOSURE", 50000),
		StopLossCents:        getEnvInt64("STOP_LOSS_CENTS", 2),
		TrailingStopCents:    getEnvInt64("TRAILING_STOP_CENTS", 2),
		KalshiFeeCents:       getEnvInt64("KALSHI_FEE_CENTS", 1),
		MaxDailyLoss:         getEnvInt64("MAX_DAILY_LOSS", 5000),
		CooldownSeconds:      getEnvDuration("COOLDOWN_SECONDS", 30*time.Second),

		MaxMarkets:         getEnvInt("MAX_MARKETS", 10),
		MarketScanInterval: getEnvDuration("MARKET_SCAN_INTERVAL", 60*time.Second),

		TelegramToken:          os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:         os.Getenv("TELEGRAM_CHAT_ID"),
		EquitySnapshotInterval: getEnvDuration("EQUITY_SNAPSHOT_INTERVAL_SECONDS", 15*time.Minute),

		TradeLogPath: getEnv("TRADE_LOG_PATH", "data/trades.jsonl"),
		DatabasePath: getEnv("DATABASE_PATH", ""),
		Debug:        getEnvBool("DEBUG", false),
	}

	if !cfg.DryRun {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("config: KALSHI_API_KEY is required when DRY_RUN=false")
		}
		if cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("config: KALSHI_PRIVATE_KEY_PATH is required when DRY_RUN=false")
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
