// Package config defines the perpbox configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file merged
// over Defaults and are then overridden by PERPBOX_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Venue     VenueConfig     `toml:"venue"`
	PriceFeed PriceFeedConfig `toml:"price_feed"`
	Trading   TradingConfig   `toml:"trading"`
	Grid      GridConfig      `toml:"grid"`
	Paper     PaperConfig     `toml:"paper"`
	Redis     RedisConfig     `toml:"redis"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// Run modes.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// WalletConfig holds the signing key. Exactly one of PrivateKey or
// EncryptedKeyPath is used; Authority defaults to the key's address.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Authority        string `toml:"authority"`
}

// VenueConfig describes the perpetuals gateway.
type VenueConfig struct {
	Endpoint          string   `toml:"endpoint"`
	ChainID           int64    `toml:"chain_id"`
	MarketIndex       int      `toml:"market_index"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	CallTimeout       duration `toml:"call_timeout"`
	APIKey            string   `toml:"api_key"`
	APISecret         string   `toml:"api_secret"`
}

// PriceFeedConfig describes the streaming price source.
type PriceFeedConfig struct {
	URL          string   `toml:"url"`
	InstrumentID string   `toml:"instrument_id"`
	Throttle     duration `toml:"throttle"`
	// CacheTTL expires cached prices so a dead feed reads as a miss.
	CacheTTL duration `toml:"cache_ttl"`
}

// TradingConfig holds order placement, polling and reconciliation settings.
type TradingConfig struct {
	DefaultSize       float64  `toml:"default_size"`
	SlippageBps       int      `toml:"slippage_bps"`
	TakeProfitBps     int      `toml:"take_profit_bps"`
	FallbackClose     string   `toml:"fallback_close"`
	PollInterval      duration `toml:"poll_interval"`
	FillTimeout       duration `toml:"fill_timeout"`
	CloseTimeout      duration `toml:"close_timeout"`
	FillTolerance     float64  `toml:"fill_tolerance"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	RetryCloses       bool     `toml:"retry_closes"`
	// PositionsInterval is how often positions and PnL are published.
	PositionsInterval duration `toml:"positions_interval"`
}

// GridConfig holds the box grid geometry and loop timing.
type GridConfig struct {
	TimeStep     duration `toml:"time_step"`
	PriceStep    float64  `toml:"price_step"`
	PriceStepPct float64  `toml:"price_step_pct"`
	TickInterval duration `toml:"tick_interval"`
	GraceDelay   duration `toml:"grace_delay"`
	OrderSize    float64  `toml:"order_size"`
}

// PaperConfig tunes the simulated venue used in paper mode.
type PaperConfig struct {
	FillDelay     duration `toml:"fill_delay"`
	Collateral    float64  `toml:"collateral"`
	MarkSpreadBps int      `toml:"mark_spread_bps"`
}

// RedisConfig holds Redis connection parameters. When disabled the process
// runs without the pub/sub bridge, price cache and wallet lease.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LeaseTTL   duration `toml:"lease_ttl"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters for the
// audit log and box history.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ArchiveConfig controls the resolved-box archive written to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	FlushInterval duration `toml:"flush_interval"`
	MaxBatch      int      `toml:"max_batch"`
}

// duration wraps time.Duration for TOML string decoding ("5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. Requests authenticate with
// APIKey or an HMAC signature made with SigningKey/SigningSecret.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	SigningKey    string   `toml:"signing_key"`
	SigningSecret string   `toml:"signing_secret"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	PerMinute         int      `toml:"per_minute"`
}

// Defaults returns a Config populated with the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			ChainID:           1,
			RequestsPerSecond: 10,
			Burst:             5,
			CallTimeout:       duration{10 * time.Second},
		},
		PriceFeed: PriceFeedConfig{
			URL:          "wss://hermes.pyth.network/ws",
			InstrumentID: "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
			Throttle:     duration{250 * time.Millisecond},
			CacheTTL:     duration{time.Minute},
		},
		Trading: TradingConfig{
			DefaultSize:       0.1,
			SlippageBps:       50,
			FallbackClose:     "none",
			PollInterval:      duration{time.Second},
			FillTimeout:       duration{60 * time.Second},
			CloseTimeout:      duration{30 * time.Second},
			FillTolerance:     0.95,
			ReconcileInterval: duration{15 * time.Second},
			PositionsInterval: duration{2 * time.Second},
		},
		Grid: GridConfig{
			TimeStep:     duration{5 * time.Second},
			PriceStepPct: 0.1,
			TickInterval: duration{100 * time.Millisecond},
			GraceDelay:   duration{1500 * time.Millisecond},
		},
		Paper: PaperConfig{
			FillDelay:  duration{500 * time.Millisecond},
			Collateral: 10_000,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "perpbox",
			LeaseTTL:   duration{15 * time.Second},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "perpbox-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			FlushInterval: duration{time.Minute},
			MaxBatch:      500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:    []string{"box.trigger", "box.expire", "desync"},
			PerMinute: 20,
		},
		Mode:     ModePaper,
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	ModeLive:  true,
	ModePaper: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns one error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		addf("unknown mode %q (valid: live, paper)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		addf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Paper mode generates a throwaway key when none is configured.
	if mode == ModeLive {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			addf("wallet: either private_key or encrypted_key_path must be set for mode live")
		}
		if c.Venue.Endpoint == "" {
			addf("venue: endpoint must be set for mode live")
		}
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.EncryptedKeyPath != "" {
		addf("wallet: set only one of private_key and encrypted_key_path")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		addf("wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Venue.ChainID <= 0 {
		addf("venue: chain_id must be positive")
	}
	if c.Venue.MarketIndex < 0 {
		addf("venue: market_index must be >= 0")
	}
	if c.Venue.RequestsPerSecond <= 0 {
		addf("venue: requests_per_second must be > 0")
	}
	if (c.Venue.APIKey == "") != (c.Venue.APISecret == "") {
		addf("venue: api_key and api_secret must be set together")
	}

	if c.PriceFeed.URL == "" {
		addf("price_feed: url must not be empty")
	}
	if c.PriceFeed.InstrumentID == "" {
		addf("price_feed: instrument_id must not be empty")
	}

	if c.Trading.DefaultSize <= 0 {
		addf("trading: default_size must be > 0")
	}
	if c.Trading.SlippageBps < 0 || c.Trading.SlippageBps >= 10_000 {
		addf("trading: slippage_bps must be in [0, 10000), got %d", c.Trading.SlippageBps)
	}
	if c.Trading.TakeProfitBps < 0 || c.Trading.TakeProfitBps >= 10_000 {
		addf("trading: take_profit_bps must be in [0, 10000), got %d", c.Trading.TakeProfitBps)
	}
	switch c.Trading.FallbackClose {
	case "none", "market":
	default:
		addf("trading: fallback_close must be none or market, got %q", c.Trading.FallbackClose)
	}
	if c.Trading.FillTolerance <= 0 || c.Trading.FillTolerance > 1 {
		addf("trading: fill_tolerance must be in (0, 1], got %v", c.Trading.FillTolerance)
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":      c.Trading.PollInterval.Duration,
		"fill_timeout":       c.Trading.FillTimeout.Duration,
		"close_timeout":      c.Trading.CloseTimeout.Duration,
		"reconcile_interval": c.Trading.ReconcileInterval.Duration,
		"positions_interval": c.Trading.PositionsInterval.Duration,
	} {
		if d <= 0 {
			addf("trading: %s must be > 0", name)
		}
	}

	if c.Grid.TimeStep.Duration < time.Millisecond {
		addf("grid: time_step must be >= 1ms, got %s", c.Grid.TimeStep.Duration)
	}
	if c.Grid.PriceStep < 0 || c.Grid.PriceStepPct < 0 {
		addf("grid: price_step and price_step_pct must be >= 0")
	}
	if c.Grid.PriceStep == 0 && c.Grid.PriceStepPct == 0 {
		addf("grid: one of price_step or price_step_pct must be set")
	}
	if c.Grid.TickInterval.Duration <= 0 {
		addf("grid: tick_interval must be > 0")
	}

	if mode == ModePaper && c.Paper.Collateral <= 0 {
		addf("paper: collateral must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			addf("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			addf("redis: pool_size must be >= 1")
		}
		if c.Redis.LeaseTTL.Duration < time.Second {
			addf("redis: lease_ttl must be >= 1s")
		}
	}

	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				addf("supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				addf("supabase: port must be 1-65535, got %d", c.Supabase.Port)
			}
			if c.Supabase.Database == "" {
				addf("supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			addf("supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			addf("supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			addf("s3: bucket and region must be set when archive is enabled")
		}
		if c.Archive.FlushInterval.Duration <= 0 {
			addf("archive: flush_interval must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			addf("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if (c.Server.SigningKey == "") != (c.Server.SigningSecret == "") {
			addf("server: signing_key and signing_secret must be set together")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		addf("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
