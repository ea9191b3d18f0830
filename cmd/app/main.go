package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/app"
	"github.com/atvirokodosprendimai/tripintake/internal/core/admission"
	"github.com/atvirokodosprendimai/tripintake/internal/logging"
)

func main() {
	// A missing .env is normal; anything else is worth failing on.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cmd := &cli.Command{
		Name:  "tripintake",
		Usage: "Trip request intake with validation and daily admission control",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("TRIPINTAKE_ADDR"),
				Usage:   "HTTP listen address",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./tripintake.sqlite",
				Sources: cli.EnvVars("TRIPINTAKE_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("TRIPINTAKE_LOG_LEVEL"),
				Usage:   "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   logging.FormatJSON,
				Sources: cli.EnvVars("TRIPINTAKE_LOG_FORMAT"),
				Usage:   "json or console",
			},
			&cli.StringFlag{
				Name:    "ratelimit-backend",
				Value:   app.BackendSQLite,
				Sources: cli.EnvVars("TRIPINTAKE_RATELIMIT_BACKEND"),
				Usage:   "Where submission counters live: sqlite or redis",
			},
			&cli.StringFlag{
				Name:    "ratelimit-mode",
				Value:   string(admission.ModeLastWriteWins),
				Sources: cli.EnvVars("TRIPINTAKE_RATELIMIT_MODE"),
				Usage:   "last-write-wins or compare-and-swap",
			},
			&cli.IntFlag{
				Name:    "ratelimit-ceiling",
				Value:   admission.DefaultCeiling,
				Sources: cli.EnvVars("TRIPINTAKE_RATELIMIT_CEILING"),
				Usage:   "Submissions admitted per identity per calendar day",
			},
			&cli.StringFlag{
				Name:    "ratelimit-timezone",
				Value:   "UTC",
				Sources: cli.EnvVars("TRIPINTAKE_RATELIMIT_TIMEZONE"),
				Usage:   "IANA zone whose calendar day bounds the quota",
			},
			&cli.BoolFlag{
				Name:    "ratelimit-breaker",
				Sources: cli.EnvVars("TRIPINTAKE_RATELIMIT_BREAKER"),
				Usage:   "Wrap the rate limit store in a circuit breaker",
			},
			&cli.DurationFlag{
				Name:    "store-timeout",
				Value:   admission.DefaultStoreTimeout,
				Sources: cli.EnvVars("TRIPINTAKE_STORE_TIMEOUT"),
				Usage:   "Per-call rate limit store timeout",
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Sources: cli.EnvVars("TRIPINTAKE_REDIS_ADDR"),
				Usage:   "Redis address for the redis rate limit backend",
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Sources: cli.EnvVars("TRIPINTAKE_REDIS_PASSWORD"),
				Usage:   "Redis password",
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Sources: cli.EnvVars("TRIPINTAKE_REDIS_DB"),
				Usage:   "Redis logical database",
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Sources: cli.EnvVars("TRIPINTAKE_WEBHOOK_URL"),
				Usage:   "Notification webhook target URL; events are logged when empty",
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Sources: cli.EnvVars("TRIPINTAKE_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
			},
			&cli.FloatFlag{
				Name:    "webhook-rps",
				Sources: cli.EnvVars("TRIPINTAKE_WEBHOOK_RPS"),
				Usage:   "Maximum webhook requests per second (0 = unlimited)",
			},
			&cli.StringFlag{
				Name:    "bootstrap-api-key",
				Sources: cli.EnvVars("TRIPINTAKE_BOOTSTRAP_API_KEY"),
				Usage:   "Optional API key to upsert at startup",
			},
			&cli.StringFlag{
				Name:    "bootstrap-identity",
				Value:   "bootstrap",
				Sources: cli.EnvVars("TRIPINTAKE_BOOTSTRAP_IDENTITY"),
				Usage:   "Identity bound to the bootstrap API key",
			},
			&cli.StringFlag{
				Name:    "bootstrap-role",
				Value:   "traveler",
				Sources: cli.EnvVars("TRIPINTAKE_BOOTSTRAP_ROLE"),
				Usage:   "Role of the bootstrap API key: traveler or staff",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger, err := logging.New(c.String("log-level"), c.String("log-format"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			cfg := app.Config{
				Addr:              c.String("addr"),
				DBPath:            c.String("db-path"),
				RateLimitBackend:  c.String("ratelimit-backend"),
				RateLimitMode:     c.String("ratelimit-mode"),
				RateLimitCeiling:  int(c.Int("ratelimit-ceiling")),
				RateLimitTimezone: c.String("ratelimit-timezone"),
				RateLimitBreaker:  c.Bool("ratelimit-breaker"),
				StoreTimeout:      c.Duration("store-timeout"),
				RedisAddr:         c.String("redis-addr"),
				RedisPassword:     c.String("redis-password"),
				RedisDB:           int(c.Int("redis-db")),
				WebhookURL:        c.String("webhook-url"),
				WebhookSecret:     c.String("webhook-secret"),
				WebhookRPS:        c.Float("webhook-rps"),
				BootstrapAPIKey:   c.String("bootstrap-api-key"),
				BootstrapIdentity: c.String("bootstrap-identity"),
				BootstrapRole:     c.String("bootstrap-role"),
			}

			server, closer, err := app.NewServer(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					logger.Error("close resources", zap.Error(closeErr))
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", cfg.Addr))
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				logger.Info("received signal", zap.String("signal", sig.String()))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
