package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults, loads .env when present,
// and applies PERPBOX_* environment overrides. An empty path skips the file.
// The result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return &cfg, nil
}

// envPrefix namespaces every override variable.
const envPrefix = "PERPBOX_"

// applyEnvOverrides lets operators inject secrets and per-deployment values
// without touching the TOML file. Only set, non-empty variables apply.
func applyEnvOverrides(cfg *Config) {
	// Wallet
	setStr(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Authority, "WALLET_AUTHORITY")

	// Venue
	setStr(&cfg.Venue.Endpoint, "VENUE_ENDPOINT")
	setInt64(&cfg.Venue.ChainID, "VENUE_CHAIN_ID")
	setInt(&cfg.Venue.MarketIndex, "VENUE_MARKET_INDEX")
	setFloat64(&cfg.Venue.RequestsPerSecond, "VENUE_REQUESTS_PER_SECOND")
	setDuration(&cfg.Venue.CallTimeout, "VENUE_CALL_TIMEOUT")
	setStr(&cfg.Venue.APIKey, "VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "VENUE_API_SECRET")

	// Price feed
	setStr(&cfg.PriceFeed.URL, "PRICE_FEED_URL")
	setStr(&cfg.PriceFeed.InstrumentID, "PRICE_FEED_INSTRUMENT_ID")
	setDuration(&cfg.PriceFeed.Throttle, "PRICE_FEED_THROTTLE")

	// Trading
	setFloat64(&cfg.Trading.DefaultSize, "TRADING_DEFAULT_SIZE")
	setInt(&cfg.Trading.SlippageBps, "TRADING_SLIPPAGE_BPS")
	setInt(&cfg.Trading.TakeProfitBps, "TRADING_TAKE_PROFIT_BPS")
	setStr(&cfg.Trading.FallbackClose, "TRADING_FALLBACK_CLOSE")
	setDuration(&cfg.Trading.FillTimeout, "TRADING_FILL_TIMEOUT")
	setDuration(&cfg.Trading.CloseTimeout, "TRADING_CLOSE_TIMEOUT")
	setBool(&cfg.Trading.RetryCloses, "TRADING_RETRY_CLOSES")

	// Grid
	setDuration(&cfg.Grid.TimeStep, "GRID_TIME_STEP")
	setFloat64(&cfg.Grid.PriceStep, "GRID_PRICE_STEP")
	setFloat64(&cfg.Grid.PriceStepPct, "GRID_PRICE_STEP_PCT")
	setDuration(&cfg.Grid.GraceDelay, "GRID_GRACE_DELAY")

	// Paper
	setDuration(&cfg.Paper.FillDelay, "PAPER_FILL_DELAY")
	setFloat64(&cfg.Paper.Collateral, "PAPER_COLLATERAL")

	// Redis
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// Supabase
	setBool(&cfg.Supabase.Enabled, "SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SUPABASE_SSL_MODE")
	setBool(&cfg.Supabase.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	// S3 and archive
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")

	// Server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStr(&cfg.Server.SigningKey, "SERVER_SIGNING_KEY")
	setStr(&cfg.Server.SigningSecret, "SERVER_SIGNING_SECRET")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// Top-level
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed env helpers. key excludes the PERPBOX_ prefix.

func setStr(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
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
