package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/adapters/events"
	"github.com/atvirokodosprendimai/tripintake/internal/adapters/httpapi"
	redisadapter "github.com/atvirokodosprendimai/tripintake/internal/adapters/redis"
	"github.com/atvirokodosprendimai/tripintake/internal/adapters/resilience"
	sqliteadapter "github.com/atvirokodosprendimai/tripintake/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/tripintake/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/tripintake/internal/core/admission"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
	"github.com/atvirokodosprendimai/tripintake/internal/core/schema"
	"github.com/atvirokodosprendimai/tripintake/internal/core/usecase"
	"github.com/atvirokodosprendimai/tripintake/migrations"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Addr   string `validate:"required"`
	DBPath string `validate:"required"`

	RateLimitBackend  string        `validate:"oneof=sqlite redis"`
	RateLimitMode     string        `validate:"omitempty,oneof=last-write-wins compare-and-swap cas"`
	RateLimitCeiling  int           `validate:"gte=1"`
	RateLimitTimezone string        `validate:"required,timezone"`
	RateLimitBreaker  bool
	StoreTimeout      time.Duration `validate:"gt=0"`

	RedisAddr     string `validate:"required_if=RateLimitBackend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	WebhookURL     string        `validate:"omitempty,url"`
	WebhookSecret  string        `validate:"required_with=WebhookURL"`
	WebhookRPS     float64       `validate:"gte=0"`
	OutboxInterval time.Duration `validate:"gte=0"`

	BootstrapAPIKey   string
	BootstrapIdentity string `validate:"required_with=BootstrapAPIKey"`
	BootstrapRole     string `validate:"omitempty,oneof=traveler staff"`
}

func (c Config) withDefaults() Config {
	if c.RateLimitBackend == "" {
		c.RateLimitBackend = BackendSQLite
	}
	if c.RateLimitCeiling == 0 {
		c.RateLimitCeiling = admission.DefaultCeiling
	}
	if c.RateLimitTimezone == "" {
		c.RateLimitTimezone = "UTC"
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = admission.DefaultStoreTimeout
	}
	if c.BootstrapRole == "" {
		c.BootstrapRole = domain.RoleTraveler
	}
	return c
}

// Validate applies defaults and checks the result.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c.withDefaults()); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func NewServer(ctx context.Context, cfg Config, logger *zap.Logger) (*http.Server, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg = cfg.withDefaults()

	mode, err := admission.ParseMode(cfg.RateLimitMode)
	if err != nil {
		return nil, nil, err
	}
	loc, err := time.LoadLocation(cfg.RateLimitTimezone)
	if err != nil {
		return nil, nil, fmt.Errorf("load rate limit timezone: %w", err)
	}
	catalog, err := schema.LoadCatalog()
	if err != nil {
		return nil, nil, fmt.Errorf("load rule catalog: %w", err)
	}
	tripTree, err := catalog.Tree(schema.TreeTrip)
	if err != nil {
		return nil, nil, err
	}
	recommendationTree, err := catalog.Tree(schema.TreeRecommendation)
	if err != nil {
		return nil, nil, err
	}

	db, err := gormsqlite.Open(cfg.DBPath, gormsqlite.WithLogger(logger.Named("gorm"), 200*time.Millisecond))
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	closers := resourceCloser{closers: []io.Closer{db}}
	fail := func(err error) (*http.Server, io.Closer, error) {
		_ = closers.Close()
		return nil, nil, err
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		return fail(fmt.Errorf("resolve writer sql db: %w", err))
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		return fail(err)
	}

	docs := sqliteadapter.NewDocumentStore(db)
	credentials := sqliteadapter.NewCredentialRepository(db)
	outboxRepo := sqliteadapter.NewOutboxRepository(db)

	var rates ports.RateLimitStore
	switch cfg.RateLimitBackend {
	case BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers.closers = append([]io.Closer{rdb}, closers.closers...)
		pingCtx, pingCancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fail(fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err))
		}
		rates = redisadapter.NewRateLimitStore(rdb)
	default:
		rates = sqliteadapter.NewRateLimitStore(db)
	}
	if cfg.RateLimitBreaker {
		rates = resilience.NewBreakerRateLimitStore(rates, resilience.DefaultBreakerConfig(), logger)
	}

	controller := admission.NewController(rates,
		admission.WithCeiling(cfg.RateLimitCeiling),
		admission.WithLocation(loc),
		admission.WithMode(mode),
		admission.WithStoreTimeout(cfg.StoreTimeout),
		admission.WithLogger(logger))

	var publisher ports.EventPublisher = events.NewLogPublisher(logger)
	if cfg.WebhookURL != "" {
		publisher = events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookSecret, 0,
			events.WithRateLimit(cfg.WebhookRPS, 1))
	}
	notifier := usecase.NewOutboxNotifier(outboxRepo)
	dispatcher := usecase.NewOutboxDispatcher(outboxRepo, publisher, cfg.OutboxInterval, 100, logger)

	intake := usecase.NewIntakeService(tripTree, controller, docs, notifier, logger)
	trips := usecase.NewTripService(recommendationTree, docs, notifier, logger)
	auth := usecase.NewAuthService(credentials)

	if cfg.BootstrapAPIKey != "" {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 5*time.Second)
		err := credentials.Upsert(bootstrapCtx, domain.Credential{
			TokenHash: usecase.HashToken(cfg.BootstrapAPIKey),
			Identity:  strings.TrimSpace(cfg.BootstrapIdentity),
			Role:      cfg.BootstrapRole,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		bootstrapCancel()
		if err != nil {
			return fail(fmt.Errorf("bootstrap credential: %w", err))
		}
	}

	handler := httpapi.NewHandler(intake, trips, auth,
		httpapi.WithLogger(logger),
		httpapi.WithQuotaLocation(loc))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatcher.Start(context.Background())
	closers.closers = append([]io.Closer{dispatcher}, closers.closers...)

	logger.Info("server configured",
		zap.String("addr", cfg.Addr),
		zap.String("ratelimit_backend", cfg.RateLimitBackend),
		zap.String("ratelimit_mode", string(controller.Mode())),
		zap.Int("ratelimit_ceiling", controller.Ceiling()),
		zap.String("ratelimit_timezone", loc.String()),
		zap.Bool("webhook", cfg.WebhookURL != ""))

	return server, closers, nil
}
