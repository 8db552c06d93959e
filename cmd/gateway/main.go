package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/admission-gateway/internal/access"
	"github.com/felipepmaragno/admission-gateway/internal/admission"
	"github.com/felipepmaragno/admission-gateway/internal/api"
	"github.com/felipepmaragno/admission-gateway/internal/cache"
	"github.com/felipepmaragno/admission-gateway/internal/config"
	"github.com/felipepmaragno/admission-gateway/internal/metrics"
	"github.com/felipepmaragno/admission-gateway/internal/notifications"
	"github.com/felipepmaragno/admission-gateway/internal/queue"
	"github.com/felipepmaragno/admission-gateway/internal/ratelimit"
	"github.com/felipepmaragno/admission-gateway/internal/repository"
	"github.com/felipepmaragno/admission-gateway/internal/router"
	"github.com/felipepmaragno/admission-gateway/internal/secrets"
	"github.com/felipepmaragno/admission-gateway/internal/signals"
	"github.com/felipepmaragno/admission-gateway/internal/telemetry"
)

const (
	serviceName = "admission-gateway"
	version     = "0.1.0"
)

type repositories struct {
	users     repository.UserRepository
	roles     repository.RoleRepository
	directory router.Directory
	roleCache *repository.CachedRoleRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting admission gateway", "addr", cfg.Addr, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.InitInstanceMetrics(os.Getenv("POD_NAME"), os.Getenv("POD_NAMESPACE"), version)

	shutdownTracing, err := telemetry.Init(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTracing(context.Background())

	urls := secrets.StoreURLs{RedisURL: cfg.RedisURL, DatabaseURL: cfg.DatabaseURL}
	if cfg.SecretsName != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		urls, err = secrets.LoadStoreURLs(ctx, sm, cfg.SecretsName, urls)
		if err != nil {
			return fmt.Errorf("load store urls: %w", err)
		}
		slog.Info("store urls loaded from secrets manager", "secret", cfg.SecretsName)
	}

	var checkers []api.HealthChecker

	var rdb *redis.Client
	if urls.RedisURL != "" {
		rdb, err = connectRedis(ctx, urls.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(rdb))
		slog.Info("using redis for counters and signals")
	} else {
		slog.Warn("no REDIS_URL configured, counters are local to this instance")
	}

	repos, db, err := openRepositories(ctx, cfg, urls.DatabaseURL, rdb)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	var storage ratelimit.Storage = ratelimit.NewInMemoryStorage()
	if rdb != nil {
		storage = ratelimit.NewRedisStorageWithClient(rdb)
	}
	limiter, err := ratelimit.NewLimiter(storage, ratelimit.StrategyKind(cfg.RateLimitStrategy),
		ratelimit.WithPrefix(cfg.RateLimitPrefix),
		ratelimit.WithTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return err
	}
	if cfg.ResetLimitsOnStart {
		if err := limiter.Reset(ctx); err != nil {
			slog.Warn("failed to reset limits on start", "error", err)
		}
	}

	signalsCfg := signals.DefaultConfig()
	signalsCfg.Alpha = cfg.SignalsAlpha
	var tracker signals.Tracker = signals.NewInMemory(signalsCfg)
	if rdb != nil {
		tracker = signals.NewRedis(rdb, signalsCfg)
	}

	selectorOpts := []router.SelectorOption{router.WithStoreTimeout(cfg.StoreTimeout)}
	if cfg.RotationStore == config.RotationStoreRedis {
		if rdb == nil {
			return fmt.Errorf("rotation store %q needs a redis url", cfg.RotationStore)
		}
		selectorOpts = append(selectorOpts, router.WithOffsetStore(router.NewRedisOffsetStore(rdb)))
	}
	selector := router.NewSelector(repos.directory, tracker, selectorOpts...)

	checker := access.NewChecker(limiter, repos.roles, access.WithMasterUserID(cfg.MasterUserID))

	serviceOpts := []admission.Option{
		admission.WithTracker(tracker),
		admission.WithQoSFallback(cfg.QoSFallbackUnfiltered),
	}
	if cfg.DispatchQueueURL != "" {
		dispatcher, err := queue.NewSQSDispatcher(ctx, cfg.AWSRegion, cfg.DispatchQueueURL)
		if err != nil {
			return err
		}
		serviceOpts = append(serviceOpts, admission.WithDispatcher(dispatcher))
		slog.Info("dispatching admitted jobs", "queue", cfg.DispatchQueueURL)
	}
	if cfg.NotificationsTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotificationsTopicARN)
		if err != nil {
			return err
		}
		var dedup notifications.Deduplicator = notifications.NewInMemoryDeduplicator(cfg.NotificationDedupTTL)
		if rdb != nil {
			dedup = notifications.NewRedisDeduplicator(rdb, cfg.NotificationDedupTTL)
		}
		serviceOpts = append(serviceOpts, admission.WithNotifier(notifications.NewDedupNotifier(notifier, dedup)))
	}
	service := admission.NewService(checker, selector, serviceOpts...)

	var adminOpts []api.AdminOption
	if repos.roleCache != nil {
		adminOpts = append(adminOpts, api.WithRoleCache(repos.roleCache))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Admission:    service,
		Users:        repos.users,
		MasterUserID: cfg.MasterUserID,
		Admin:        api.NewAdminHandler(repos.users, repos.roles, limiter, cfg.MasterUserID, adminOpts...),
		Checkers:     checkers,
		Version:      version,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// openRepositories uses Postgres when a database url is set and the seed
// file otherwise. Role lookups against Postgres are cached.
func openRepositories(ctx context.Context, cfg *config.Config, databaseURL string, rdb *redis.Client) (repositories, *sql.DB, error) {
	if databaseURL == "" {
		seed := repository.Seed{}
		if cfg.SeedFile != "" {
			var err error
			seed, err = repository.LoadSeed(cfg.SeedFile)
			if err != nil {
				return repositories{}, nil, err
			}
		} else {
			slog.Warn("no DATABASE_URL or SEED_FILE configured, repositories are empty")
		}

		repo := repository.NewInMemoryRepositoryFromSeed(seed)
		slog.Info("using in-memory repositories",
			"roles", len(seed.Roles),
			"users", len(seed.Users),
			"routers", len(seed.Routers),
		)
		return repositories{users: repo, roles: repo, directory: repo}, nil, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return repositories{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return repositories{}, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return repositories{}, nil, err
	}

	var roleCache cache.Cache
	if rdb != nil {
		roleCache = cache.NewRedisCache(rdb)
	} else {
		roleCache = cache.NewInMemoryCache()
	}

	roles := repository.NewCachedRoleRepository(repository.NewPostgresRoleRepository(db), roleCache, cfg.RoleCacheTTL, nil)

	slog.Info("using postgres repositories")
	return repositories{
		users:     repository.NewPostgresUserRepository(db),
		roles:     roles,
		directory: repository.NewPostgresRouterDirectory(db),
		roleCache: roles,
	}, db, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
