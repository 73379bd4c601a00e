// Package config defines the top-level configuration for the leverbot
// trading daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEVBOT_* environment variables.
type Config struct {
	Exchange    ExchangeConfig    `toml:"exchange"`
	Websocket   WebsocketConfig   `toml:"websocket"`
	Trading     TradingConfig     `toml:"trading"`
	Exit        ExitConfig        `toml:"exit"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Analyzers   AnalyzersConfig   `toml:"analyzers"`
	Journal     JournalConfig     `toml:"journal"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// ExchangeConfig holds exchange API credentials and REST client parameters.
type ExchangeConfig struct {
	// Environment selects the endpoint set: "mainnet", "testnet", "demo".
	Environment      string  `toml:"environment"`
	Symbol           string  `toml:"symbol"`
	Category         string  `toml:"category"`
	ApiKey           string  `toml:"api_key"`
	ApiSecret        string  `toml:"api_secret"`
	EncryptedKeyPath string  `toml:"encrypted_key_path"`
	KeyPassphrase    string  `toml:"key_passphrase"`
	RecvWindowMs     int     `toml:"recv_window_ms"`
	RequestsPerSec   float64 `toml:"requests_per_sec"`
	RequestBurst     int     `toml:"request_burst"`
	// BreakerMaxFailures consecutive order-call failures open the circuit.
	BreakerMaxFailures int      `toml:"breaker_max_failures"`
	BreakerTimeout     duration `toml:"breaker_timeout"`
	// OrderBudgetLimit caps mutating calls per window across instances,
	// enforced in Redis. Zero disables the budget.
	OrderBudgetLimit  int      `toml:"order_budget_limit"`
	OrderBudgetWindow duration `toml:"order_budget_window"`
}

// WebsocketConfig holds push-channel connection and dedup parameters.
type WebsocketConfig struct {
	// URL overrides the environment-derived private stream endpoint when set.
	URL               string   `toml:"url"`
	ConnectAttempts   int      `toml:"connect_attempts"`
	ConnectBackoff    duration `toml:"connect_backoff"`
	ConnectBackoffCap duration `toml:"connect_backoff_cap"`
	ConnectTimeout    duration `toml:"connect_timeout"`
	AuthAttempts      int      `toml:"auth_attempts"`
	AuthBackoff       duration `toml:"auth_backoff"`
	DedupMaxEntries   int      `toml:"dedup_max_entries"`
	DedupTTL          duration `toml:"dedup_ttl"`
}

// TradingConfig holds entry sizing and cadence parameters.
type TradingConfig struct {
	AutoExecute      bool     `toml:"auto_execute"`
	Quantity         float64  `toml:"quantity"`
	Leverage         int      `toml:"leverage"`
	MarginUSD        float64  `toml:"margin_usd"`
	StopLossPercent  float64  `toml:"stop_loss_percent"`
	OpenRetries      int      `toml:"open_retries"`
	OpenRetryBackoff duration `toml:"open_retry_backoff"`
	DecisionInterval duration `toml:"decision_interval"`
	// CandleInterval is the kline interval fed to analyzers ("1", "5", "60", "D").
	CandleInterval string `toml:"candle_interval"`
	CandleLimit    int    `toml:"candle_limit"`
	// MaxPositionHold closes any position older than this. Zero disables.
	MaxPositionHold duration `toml:"max_position_hold"`
}

// TakeProfitLevelConfig is one rung of the configured take-profit ladder.
type TakeProfitLevelConfig struct {
	Percent     float64 `toml:"percent"`
	SizePercent float64 `toml:"size_percent"`
	OnHit       string  `toml:"on_hit"`
}

// TrailingConfig holds trailing-stop distance parameters.
type TrailingConfig struct {
	BasePercent   float64 `toml:"base_percent"`
	ATRMultiplier float64 `toml:"atr_multiplier"`
	MinPercent    float64 `toml:"min_percent"`
	MaxPercent    float64 `toml:"max_percent"`
}

// ExitConfig holds exit-engine parameters.
type ExitConfig struct {
	BreakevenMarginPercent float64                 `toml:"breakeven_margin_percent"`
	Trailing               TrailingConfig          `toml:"trailing"`
	TakeProfits            []TakeProfitLevelConfig `toml:"take_profits"`
}

// AggregationConfig holds signal-aggregation thresholds and analyzer weights.
type AggregationConfig struct {
	ConflictThreshold float64            `toml:"conflict_threshold"`
	MinConfidence     float64            `toml:"min_confidence"`
	MinTotalScore     float64            `toml:"min_total_score"`
	MinSignalsLong    int                `toml:"min_signals_long"`
	MinSignalsShort   int                `toml:"min_signals_short"`
	BlindZonePenalty  float64            `toml:"blind_zone_penalty"`
	Weights           map[string]float64 `toml:"weights"`
}

// AnalyzersConfig holds parameters for the built-in analyzers.
type AnalyzersConfig struct {
	Active []string  `toml:"active"`
	EMA    EMAConfig `toml:"ema"`
	RSI    RSIConfig `toml:"rsi"`
}

// EMAConfig holds EMA crossover analyzer parameters.
type EMAConfig struct {
	FastPeriod int     `toml:"fast_period"`
	SlowPeriod int     `toml:"slow_period"`
	Weight     float64 `toml:"weight"`
}

// RSIConfig holds RSI threshold analyzer parameters.
type RSIConfig struct {
	Period     int     `toml:"period"`
	Overbought float64 `toml:"overbought"`
	Oversold   float64 `toml:"oversold"`
	Weight     float64 `toml:"weight"`
}

// JournalConfig holds PostgreSQL connection parameters for the trade journal.
type JournalConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds closed-position archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	BatchSize     int    `toml:"batch_size"`
	Cron          string `toml:"cron"`
	// PruneDays is how long archived rows stay in the journal before an
	// archive run deletes them. Zero keeps them forever.
	PruneDays int `toml:"prune_days"`
}

// ServerConfig holds the ops HTTP listener parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey protects /api/status and /api/position when set. Health stays open.
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Environment:        "testnet",
			Symbol:             "BTCUSDT",
			Category:           "linear",
			RecvWindowMs:       5000,
			RequestsPerSec:     8,
			RequestBurst:       16,
			BreakerMaxFailures: 5,
			BreakerTimeout:     duration{30 * time.Second},
			OrderBudgetLimit:   30,
			OrderBudgetWindow:  duration{1 * time.Minute},
		},
		Websocket: WebsocketConfig{
			ConnectAttempts:   3,
			ConnectBackoff:    duration{500 * time.Millisecond},
			ConnectBackoffCap: duration{5 * time.Second},
			ConnectTimeout:    duration{10 * time.Second},
			AuthAttempts:      3,
			AuthBackoff:       duration{200 * time.Millisecond},
			DedupMaxEntries:   100,
			DedupTTL:          duration{60 * time.Second},
		},
		Trading: TradingConfig{
			AutoExecute:      false,
			Quantity:         0.01,
			Leverage:         5,
			MarginUSD:        100,
			StopLossPercent:  2.5,
			OpenRetries:      3,
			OpenRetryBackoff: duration{500 * time.Millisecond},
			DecisionInterval: duration{1 * time.Minute},
			CandleInterval:   "5",
			CandleLimit:      200,
			MaxPositionHold:  duration{24 * time.Hour},
		},
		Exit: ExitConfig{
			BreakevenMarginPercent: 0.1,
			Trailing: TrailingConfig{
				BasePercent:   1.0,
				ATRMultiplier: 2.0,
				MinPercent:    0.1,
				MaxPercent:    5.0,
			},
			TakeProfits: []TakeProfitLevelConfig{
				{Percent: 2.5, SizePercent: 50, OnHit: "move_sl_to_breakeven"},
				{Percent: 5.0, SizePercent: 30, OnHit: "activate_trailing"},
				{Percent: 7.5, SizePercent: 20, OnHit: "close"},
			},
		},
		Aggregation: AggregationConfig{
			ConflictThreshold: 0.4,
			MinConfidence:     55,
			MinTotalScore:     0.5,
			MinSignalsLong:    3,
			MinSignalsShort:   3,
			BlindZonePenalty:  0.7,
			Weights:           map[string]float64{},
		},
		Analyzers: AnalyzersConfig{
			Active: []string{"ema_cross", "rsi"},
			EMA:    EMAConfig{FastPeriod: 12, SlowPeriod: 26, Weight: 1.0},
			RSI:    RSIConfig{Period: 14, Overbought: 70, Oversold: 30, Weight: 1.0},
		},
		Journal: JournalConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "leverbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leverbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			BatchSize:     500,
			Cron:          "0 3 * * *",
			PruneDays:     0,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "sl_moved", "trailing_activated", "ws_disconnected", "ws_restored"},
		},
		Mode:     "observe",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"observe": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEnvironments enumerates the accepted values for Exchange.Environment.
var validEnvironments = map[string]bool{
	"mainnet": true,
	"testnet": true,
	"demo":    true,
}

// validTPActions enumerates the accepted on_hit values for take-profit levels.
var validTPActions = map[string]bool{
	"move_sl_to_breakeven": true,
	"activate_trailing":    true,
	"close":                true,
	"custom":               true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, observe, archive)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if !validEnvironments[strings.ToLower(c.Exchange.Environment)] {
		errs = append(errs, fmt.Sprintf("exchange: unknown environment %q (valid: mainnet, testnet, demo)", c.Exchange.Environment))
	}
	if c.Exchange.Symbol == "" {
		errs = append(errs, "exchange: symbol must not be empty")
	}
	if c.Exchange.Category == "" {
		errs = append(errs, "exchange: category must not be empty")
	}
	if c.Exchange.RecvWindowMs <= 0 {
		errs = append(errs, "exchange: recv_window_ms must be > 0")
	}
	if c.Exchange.RequestsPerSec <= 0 {
		errs = append(errs, "exchange: requests_per_sec must be > 0")
	}
	if c.Exchange.OrderBudgetLimit > 0 && c.Exchange.OrderBudgetWindow.Duration <= 0 {
		errs = append(errs, "exchange: order_budget_window must be > 0 when order_budget_limit is set")
	}

	// Credentials: one source must be complete for trade mode.
	needsCreds := strings.ToLower(c.Mode) == "trade"
	if needsCreds {
		plain := c.Exchange.ApiKey != "" && c.Exchange.ApiSecret != ""
		keystore := c.Exchange.EncryptedKeyPath != ""
		if !plain && !keystore {
			errs = append(errs, "exchange: api_key/api_secret or encrypted_key_path must be set for mode "+c.Mode)
		}
		if keystore && c.Exchange.KeyPassphrase == "" {
			errs = append(errs, "exchange: key_passphrase is required when encrypted_key_path is set")
		}
	}

	// Websocket
	if c.Websocket.ConnectAttempts < 1 {
		errs = append(errs, "websocket: connect_attempts must be >= 1")
	}
	if c.Websocket.ConnectBackoff.Duration <= 0 {
		errs = append(errs, "websocket: connect_backoff must be > 0")
	}
	if c.Websocket.ConnectBackoffCap.Duration < c.Websocket.ConnectBackoff.Duration {
		errs = append(errs, "websocket: connect_backoff_cap must not be below connect_backoff")
	}
	if c.Websocket.ConnectTimeout.Duration <= 0 {
		errs = append(errs, "websocket: connect_timeout must be > 0")
	}
	if c.Websocket.AuthAttempts < 1 {
		errs = append(errs, "websocket: auth_attempts must be >= 1")
	}
	if c.Websocket.DedupMaxEntries < 1 {
		errs = append(errs, "websocket: dedup_max_entries must be >= 1")
	}
	if c.Websocket.DedupTTL.Duration <= 0 {
		errs = append(errs, "websocket: dedup_ttl must be > 0")
	}

	// Trading
	if c.Trading.Quantity <= 0 {
		errs = append(errs, "trading: quantity must be > 0")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 100 {
		errs = append(errs, fmt.Sprintf("trading: leverage must be 1-100, got %d", c.Trading.Leverage))
	}
	if c.Trading.StopLossPercent <= 0 {
		errs = append(errs, "trading: stop_loss_percent must be > 0")
	}
	if c.Trading.OpenRetries < 0 {
		errs = append(errs, "trading: open_retries must be >= 0")
	}
	if c.Trading.DecisionInterval.Duration <= 0 {
		errs = append(errs, "trading: decision_interval must be > 0")
	}

	// Exit
	if c.Exit.BreakevenMarginPercent < 0 {
		errs = append(errs, "exit: breakeven_margin_percent must be >= 0")
	}
	if c.Exit.Trailing.BasePercent <= 0 {
		errs = append(errs, "exit: trailing.base_percent must be > 0")
	}
	if c.Exit.Trailing.ATRMultiplier <= 0 {
		errs = append(errs, "exit: trailing.atr_multiplier must be > 0")
	}
	if c.Exit.Trailing.MinPercent <= 0 || c.Exit.Trailing.MaxPercent <= c.Exit.Trailing.MinPercent {
		errs = append(errs, "exit: trailing.min_percent must be > 0 and below trailing.max_percent")
	}
	var sizeSum float64
	prevPercent := 0.0
	for i, tp := range c.Exit.TakeProfits {
		if tp.Percent <= prevPercent {
			errs = append(errs, fmt.Sprintf("exit: take_profits[%d].percent must be ascending and > 0", i))
		}
		prevPercent = tp.Percent
		if tp.SizePercent <= 0 || tp.SizePercent > 100 {
			errs = append(errs, fmt.Sprintf("exit: take_profits[%d].size_percent must be in (0,100]", i))
		}
		sizeSum += tp.SizePercent
		if !validTPActions[tp.OnHit] {
			errs = append(errs, fmt.Sprintf("exit: take_profits[%d].on_hit %q is not a known action", i, tp.OnHit))
		}
	}
	if sizeSum > 100 {
		errs = append(errs, fmt.Sprintf("exit: take_profits size_percent values sum to %.1f, must not exceed 100", sizeSum))
	}

	// Aggregation
	if c.Aggregation.ConflictThreshold < 0 || c.Aggregation.ConflictThreshold > 1 {
		errs = append(errs, "aggregation: conflict_threshold must be in [0,1]")
	}
	if c.Aggregation.MinConfidence < 0 || c.Aggregation.MinConfidence > 100 {
		errs = append(errs, "aggregation: min_confidence must be in [0,100]")
	}
	if c.Aggregation.MinTotalScore < 0 || c.Aggregation.MinTotalScore > 1 {
		errs = append(errs, "aggregation: min_total_score must be in [0,1]")
	}
	if c.Aggregation.BlindZonePenalty <= 0 || c.Aggregation.BlindZonePenalty > 1 {
		errs = append(errs, "aggregation: blind_zone_penalty must be in (0,1]")
	}
	for name, w := range c.Aggregation.Weights {
		if w < 0 || w > 1 {
			errs = append(errs, fmt.Sprintf("aggregation: weight for %q must be in [0,1], got %.3f", name, w))
		}
	}

	// Journal
	if strings.TrimSpace(c.Journal.DSN) == "" {
		if c.Journal.Host == "" {
			errs = append(errs, "journal: host must not be empty (or set journal.dsn)")
		}
		if c.Journal.Port <= 0 || c.Journal.Port > 65535 {
			errs = append(errs, fmt.Sprintf("journal: port must be 1-65535, got %d", c.Journal.Port))
		}
		if c.Journal.Database == "" {
			errs = append(errs, "journal: database must not be empty")
		}
	}
	if c.Journal.PoolMaxConns < 1 {
		errs = append(errs, "journal: pool_max_conns must be >= 1")
	}
	if c.Journal.PoolMinConns < 0 {
		errs = append(errs, "journal: pool_min_conns must be >= 0")
	}
	if c.Journal.PoolMinConns > c.Journal.PoolMaxConns {
		errs = append(errs, "journal: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled || strings.ToLower(c.Mode) == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archiving is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
		if c.Archive.PruneDays < 0 {
			errs = append(errs, "archive: prune_days must be >= 0 (0 disables pruning)")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
