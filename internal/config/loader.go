package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEVBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEVBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Environment, "LEVBOT_EXCHANGE_ENVIRONMENT")
	setStr(&cfg.Exchange.Symbol, "LEVBOT_EXCHANGE_SYMBOL")
	setStr(&cfg.Exchange.Category, "LEVBOT_EXCHANGE_CATEGORY")
	setStr(&cfg.Exchange.ApiKey, "LEVBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "LEVBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedKeyPath, "LEVBOT_EXCHANGE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Exchange.KeyPassphrase, "LEVBOT_EXCHANGE_KEY_PASSPHRASE")
	setInt(&cfg.Exchange.RecvWindowMs, "LEVBOT_EXCHANGE_RECV_WINDOW_MS")
	setFloat64(&cfg.Exchange.RequestsPerSec, "LEVBOT_EXCHANGE_REQUESTS_PER_SEC")
	setInt(&cfg.Exchange.RequestBurst, "LEVBOT_EXCHANGE_REQUEST_BURST")
	setInt(&cfg.Exchange.BreakerMaxFailures, "LEVBOT_EXCHANGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Exchange.BreakerTimeout, "LEVBOT_EXCHANGE_BREAKER_TIMEOUT")
	setInt(&cfg.Exchange.OrderBudgetLimit, "LEVBOT_EXCHANGE_ORDER_BUDGET_LIMIT")
	setDuration(&cfg.Exchange.OrderBudgetWindow, "LEVBOT_EXCHANGE_ORDER_BUDGET_WINDOW")

	// ── Websocket ──
	setStr(&cfg.Websocket.URL, "LEVBOT_WEBSOCKET_URL")
	setInt(&cfg.Websocket.ConnectAttempts, "LEVBOT_WEBSOCKET_CONNECT_ATTEMPTS")
	setDuration(&cfg.Websocket.ConnectBackoff, "LEVBOT_WEBSOCKET_CONNECT_BACKOFF")
	setDuration(&cfg.Websocket.ConnectBackoffCap, "LEVBOT_WEBSOCKET_CONNECT_BACKOFF_CAP")
	setDuration(&cfg.Websocket.ConnectTimeout, "LEVBOT_WEBSOCKET_CONNECT_TIMEOUT")
	setInt(&cfg.Websocket.AuthAttempts, "LEVBOT_WEBSOCKET_AUTH_ATTEMPTS")
	setDuration(&cfg.Websocket.AuthBackoff, "LEVBOT_WEBSOCKET_AUTH_BACKOFF")
	setInt(&cfg.Websocket.DedupMaxEntries, "LEVBOT_WEBSOCKET_DEDUP_MAX_ENTRIES")
	setDuration(&cfg.Websocket.DedupTTL, "LEVBOT_WEBSOCKET_DEDUP_TTL")

	// ── Trading ──
	setBool(&cfg.Trading.AutoExecute, "LEVBOT_TRADING_AUTO_EXECUTE")
	setFloat64(&cfg.Trading.Quantity, "LEVBOT_TRADING_QUANTITY")
	setInt(&cfg.Trading.Leverage, "LEVBOT_TRADING_LEVERAGE")
	setFloat64(&cfg.Trading.MarginUSD, "LEVBOT_TRADING_MARGIN_USD")
	setFloat64(&cfg.Trading.StopLossPercent, "LEVBOT_TRADING_STOP_LOSS_PERCENT")
	setInt(&cfg.Trading.OpenRetries, "LEVBOT_TRADING_OPEN_RETRIES")
	setDuration(&cfg.Trading.OpenRetryBackoff, "LEVBOT_TRADING_OPEN_RETRY_BACKOFF")
	setDuration(&cfg.Trading.DecisionInterval, "LEVBOT_TRADING_DECISION_INTERVAL")
	setStr(&cfg.Trading.CandleInterval, "LEVBOT_TRADING_CANDLE_INTERVAL")
	setInt(&cfg.Trading.CandleLimit, "LEVBOT_TRADING_CANDLE_LIMIT")
	setDuration(&cfg.Trading.MaxPositionHold, "LEVBOT_TRADING_MAX_POSITION_HOLD")

	// ── Exit ──
	setFloat64(&cfg.Exit.BreakevenMarginPercent, "LEVBOT_EXIT_BREAKEVEN_MARGIN_PERCENT")
	setFloat64(&cfg.Exit.Trailing.BasePercent, "LEVBOT_EXIT_TRAILING_BASE_PERCENT")
	setFloat64(&cfg.Exit.Trailing.ATRMultiplier, "LEVBOT_EXIT_TRAILING_ATR_MULTIPLIER")
	setFloat64(&cfg.Exit.Trailing.MinPercent, "LEVBOT_EXIT_TRAILING_MIN_PERCENT")
	setFloat64(&cfg.Exit.Trailing.MaxPercent, "LEVBOT_EXIT_TRAILING_MAX_PERCENT")

	// ── Aggregation ──
	setFloat64(&cfg.Aggregation.ConflictThreshold, "LEVBOT_AGGREGATION_CONFLICT_THRESHOLD")
	setFloat64(&cfg.Aggregation.MinConfidence, "LEVBOT_AGGREGATION_MIN_CONFIDENCE")
	setFloat64(&cfg.Aggregation.MinTotalScore, "LEVBOT_AGGREGATION_MIN_TOTAL_SCORE")
	setInt(&cfg.Aggregation.MinSignalsLong, "LEVBOT_AGGREGATION_MIN_SIGNALS_LONG")
	setInt(&cfg.Aggregation.MinSignalsShort, "LEVBOT_AGGREGATION_MIN_SIGNALS_SHORT")
	setFloat64(&cfg.Aggregation.BlindZonePenalty, "LEVBOT_AGGREGATION_BLIND_ZONE_PENALTY")

	// ── Analyzers ──
	setStringSlice(&cfg.Analyzers.Active, "LEVBOT_ANALYZERS_ACTIVE")
	setInt(&cfg.Analyzers.EMA.FastPeriod, "LEVBOT_ANALYZERS_EMA_FAST_PERIOD")
	setInt(&cfg.Analyzers.EMA.SlowPeriod, "LEVBOT_ANALYZERS_EMA_SLOW_PERIOD")
	setInt(&cfg.Analyzers.RSI.Period, "LEVBOT_ANALYZERS_RSI_PERIOD")

	// ── Journal ──
	setStr(&cfg.Journal.DSN, "LEVBOT_JOURNAL_DSN")
	setStr(&cfg.Journal.Host, "LEVBOT_JOURNAL_HOST")
	setInt(&cfg.Journal.Port, "LEVBOT_JOURNAL_PORT")
	setStr(&cfg.Journal.Database, "LEVBOT_JOURNAL_DATABASE")
	setStr(&cfg.Journal.User, "LEVBOT_JOURNAL_USER")
	setStr(&cfg.Journal.Password, "LEVBOT_JOURNAL_PASSWORD")
	setStr(&cfg.Journal.SSLMode, "LEVBOT_JOURNAL_SSLMODE")
	setInt(&cfg.Journal.PoolMaxConns, "LEVBOT_JOURNAL_POOL_MAX_CONNS")
	setInt(&cfg.Journal.PoolMinConns, "LEVBOT_JOURNAL_POOL_MIN_CONNS")
	setBool(&cfg.Journal.RunMigrations, "LEVBOT_JOURNAL_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEVBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEVBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEVBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEVBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LEVBOT_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "LEVBOT_ARCHIVE_BATCH_SIZE")
	setStr(&cfg.Archive.Cron, "LEVBOT_ARCHIVE_CRON")
	setInt(&cfg.Archive.PruneDays, "LEVBOT_ARCHIVE_PRUNE_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEVBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEVBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LEVBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEVBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEVBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEVBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEVBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEVBOT_MODE")
	setStr(&cfg.LogLevel, "LEVBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
