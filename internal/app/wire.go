package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/avhall/leverbot/internal/blob/s3"
	"github.com/avhall/leverbot/internal/cache/redis"
	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/crypto"
	"github.com/avhall/leverbot/internal/domain"
	"github.com/avhall/leverbot/internal/exchange/bybit"
	"github.com/avhall/leverbot/internal/journal/postgres"
	"github.com/avhall/leverbot/internal/notify"
	"github.com/avhall/leverbot/internal/server/handler"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Exchange access
	Auth     *crypto.HMACAuth
	Exchange *bybit.Client

	// Journals; nil when the journal store is unavailable and the mode
	// tolerates running without it.
	Positions domain.PositionJournal
	Decisions domain.DecisionJournal

	// Redis-backed facilities
	Prices domain.PriceCache
	Stream domain.EventStream
	Lease  domain.SymbolLease

	// Object storage; nil unless archiving is wired.
	Archiver domain.Archiver
	Archives domain.BlobReader

	// Notifications
	Notifier *notify.Notifier

	// Health probes for the ops server, one per connected backend.
	Health []handler.Check
}

// needsS3 returns true when the configuration requires object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled || strings.ToLower(cfg.Mode) == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Exchange credentials ---
	auth, err := crypto.LoadCredentials(crypto.CredentialSource{
		APIKey:           cfg.Exchange.ApiKey,
		APISecret:        cfg.Exchange.ApiSecret,
		EncryptedKeyPath: cfg.Exchange.EncryptedKeyPath,
		Passphrase:       cfg.Exchange.KeyPassphrase,
	})
	if err != nil {
		// Trading without credentials is impossible; observing degrades to
		// the public surface, archiving never talks to the exchange.
		if mode == "trade" {
			cleanup()
			return nil, nil, fmt.Errorf("wire: credentials: %w", err)
		}
		logger.Warn("wire: continuing without exchange credentials",
			slog.String("error", err.Error()),
		)
		auth = &crypto.HMACAuth{}
	}
	deps.Auth = auth
	deps.Exchange = bybit.NewClient(cfg.Exchange, auth, logger)

	// --- PostgreSQL trade journal ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Journal.DSN,
		Host:     cfg.Journal.Host,
		Port:     cfg.Journal.Port,
		Database: cfg.Journal.Database,
		User:     cfg.Journal.User,
		Password: cfg.Journal.Password,
		SSLMode:  cfg.Journal.SSLMode,
		MaxConns: cfg.Journal.PoolMaxConns,
		MinConns: cfg.Journal.PoolMinConns,
	})
	switch {
	case err != nil && mode == "archive":
		// Archiving reads journal rows; there is nothing to do without them.
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	case err != nil:
		// The position manager runs journal-less; degrade instead of failing.
		logger.Warn("wire: trade journal unavailable, continuing without it",
			slog.String("error", err.Error()),
		)
	default:
		closers = append(closers, pgClient.Close)

		if cfg.Journal.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Positions = postgres.NewPositionJournal(pool)
		deps.Decisions = postgres.NewDecisionJournal(pool)
		deps.Health = append(deps.Health, handler.Check{Name: "postgres", Probe: pool.Ping})
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Stream = redis.NewEventStream(redisClient, redis.DefaultStream)
	deps.Lease = redis.NewSymbolLease(redisClient)
	deps.Health = append(deps.Health, handler.Check{Name: "redis", Probe: redisClient.Ping})

	if cfg.Exchange.OrderBudgetLimit > 0 {
		budget := redis.NewOrderBudget(redisClient, cfg.Exchange.OrderBudgetLimit, cfg.Exchange.OrderBudgetWindow.Duration)
		deps.Exchange.SetOrderBudget(budget)
	}

	// --- S3 blob storage (only when archiving) ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		if deps.Positions == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: archiving requires the trade journal")
		}
		reader := s3blob.NewReader(s3Client)
		deps.Archives = reader
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			reader,
			deps.Positions,
			deps.Stream,
			cfg.Archive.BatchSize,
			logger,
		)
		deps.Health = append(deps.Health, handler.Check{Name: "s3", Probe: s3Client.Health})
	}

	// --- Notifications ---
	deps.Notifier = notify.FromConfig(cfg.Notify, logger)

	return deps, cleanup, nil
}
