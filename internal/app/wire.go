package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/rpc"

	s3blob "github.com/alanyoungcy/perpbox/internal/blob/s3"
	"github.com/alanyoungcy/perpbox/internal/cache/redis"
	"github.com/alanyoungcy/perpbox/internal/config"
	"github.com/alanyoungcy/perpbox/internal/crypto"
	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/notify"
	"github.com/alanyoungcy/perpbox/internal/platform/paper"
	"github.com/alanyoungcy/perpbox/internal/platform/venue"
	"github.com/alanyoungcy/perpbox/internal/server/middleware"
	"github.com/alanyoungcy/perpbox/internal/store/postgres"
)

// paperEndpoint is the session endpoint reported in paper mode. The dialer
// ignores it and connects to the in-process gateway.
const paperEndpoint = "inproc://paper"

// Dependencies bundles everything the runtime needs. Optional components are
// nil when their config section is disabled; interface fields are only set
// when a concrete implementation exists.
type Dependencies struct {
	// Venue
	PrivateKey string
	Endpoint   string
	Venue      *venue.Client
	Paper      *paper.Exchange

	// Redis
	Redis      *redis.Client
	SignalBus  domain.SignalBus
	PriceCache domain.PriceCache
	Limiter    middleware.Limiter

	// Postgres
	Audit   *postgres.AuditStore
	History *postgres.BoxStore

	// Blob storage
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier

	// Checks probe the optional backends for /api/health.
	Checks map[string]func(ctx context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Endpoint: cfg.Venue.Endpoint,
		Checks:   make(map[string]func(ctx context.Context) error),
	}

	// --- Wallet ---
	src := crypto.KeySource{
		RawPrivateKey: cfg.Wallet.PrivateKey,
		KeyFile:       cfg.Wallet.EncryptedKeyPath,
		KeyPassword:   cfg.Wallet.KeyPassword,
	}
	switch {
	case src.Configured():
		key, err := crypto.LoadKey(src)
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
		deps.PrivateKey = key
	case cfg.Mode == config.ModePaper:
		key, err := crypto.GenerateKeyHex()
		if err != nil {
			return fail(fmt.Errorf("wire: paper wallet: %w", err))
		}
		deps.PrivateKey = key
		logger.InfoContext(ctx, "wire: no wallet configured, using a throwaway paper key")
	}

	// --- Venue ---
	deps.Venue = venue.New(venue.Config{
		ChainID:           cfg.Venue.ChainID,
		RequestsPerSecond: cfg.Venue.RequestsPerSecond,
		Burst:             cfg.Venue.Burst,
		CallTimeout:       cfg.Venue.CallTimeout.Duration,
		Auth:              crypto.GatewayAuth{Key: cfg.Venue.APIKey, Secret: cfg.Venue.APISecret},
	}, logger)
	if cfg.Mode == config.ModePaper {
		ex := paper.NewExchange(paper.Config{
			FillDelay:     cfg.Paper.FillDelay.Duration,
			Collateral:    cfg.Paper.Collateral,
			MarkSpreadBps: cfg.Paper.MarkSpreadBps,
		}, logger)
		closers = append(closers, ex.Close)
		srv, err := paper.NewServer(paper.NewGateway(ex, cfg.Venue.ChainID))
		if err != nil {
			return fail(fmt.Errorf("wire: paper gateway: %w", err))
		}
		closers = append(closers, srv.Stop)
		deps.Paper = ex
		deps.Endpoint = paperEndpoint
		deps.Venue.WithDialer(func(context.Context, string) (*rpc.Client, error) {
			return rpc.DialInProc(srv), nil
		})
	}
	closers = append(closers, deps.Venue.Close)

	// --- PostgreSQL ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "wire: migrations applied", slog.Any("files", applied))
			}
		}

		deps.Checks["postgres"] = pgClient.Ping
		pool := pgClient.Pool()
		deps.Audit = postgres.NewAuditStore(pool)
		deps.History = postgres.NewBoxStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Checks["redis"] = redisClient.Ping
		deps.Redis = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.PriceFeed.CacheTTL.Duration)
		deps.Limiter = redis.NewRateLimiter(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Checks["s3"] = s3Client.Health
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.PerMinute, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.Bool("paper", deps.Paper != nil),
		slog.Bool("postgres", deps.Audit != nil),
		slog.Bool("redis", deps.Redis != nil),
		slog.Bool("archive", deps.BlobWriter != nil),
		slog.Int("notifiers", len(senders)),
	)
	return deps, cleanup, nil
}

// auditStore returns the audit store as an interface, or nil when postgres
// is disabled.
func (d *Dependencies) auditStore() domain.AuditStore {
	if d.Audit == nil {
		return nil
	}
	return d.Audit
}
