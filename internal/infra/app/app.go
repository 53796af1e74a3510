package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/config"
	"github.com/arklim/workspace-auth/internal/infra/database"
	kafkainfra "github.com/arklim/workspace-auth/internal/infra/kafka"
	"github.com/arklim/workspace-auth/internal/infra/logger"
	redisinfra "github.com/arklim/workspace-auth/internal/infra/redis"
	"github.com/arklim/workspace-auth/internal/infra/security"
	"github.com/arklim/workspace-auth/internal/infra/telemetry"
	"github.com/arklim/workspace-auth/internal/repository/memory"
	postgresrepo "github.com/arklim/workspace-auth/internal/repository/postgres"
	redisrepo "github.com/arklim/workspace-auth/internal/repository/redis"
	"github.com/arklim/workspace-auth/internal/transport/http/middleware"
	"github.com/arklim/workspace-auth/internal/transport/http/routes"
	"github.com/arklim/workspace-auth/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Application owns the HTTP server and every long-lived dependency.
type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	tracing  *telemetry.TracerProvider
	janitor  *usecase.Janitor
	closers  []func()
	producer *kafkainfra.Producer
}

// backends holds the storage ports selected by storage.driver.
type backends struct {
	users     port.UserRepository
	attempts  port.LoginAttemptRepository
	refresh   port.RefreshTokenRepository
	ledger    port.RevocationLedger
	cache     port.RevocationCache
	rateLimit port.RateLimitStore
	database  routes.DatabaseChecker
	redis     routes.CacheChecker
}

// New wires configuration, storage, services and routes.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{cfg: cfg, logger: log}

	tracing, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.tracing = tracing

	store, err := a.openBackends(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics, err := telemetry.NewAuthMetrics(registry)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init auth metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: registry})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	events := a.eventPublisher(metrics)

	signer, err := security.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTokenTTL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init token manager: %w", err)
	}
	hasher, err := security.NewBcryptHasher(cfg.Auth.BcryptCost)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	issuer := usecase.NewSessionIssuer(store.users, store.refresh, signer, cfg.JWT.RefreshTokenTTL).
		WithLogger(log).
		WithEvents(events).
		WithMetrics(metrics)

	services := routes.ServiceSet{
		Guard: usecase.NewLoginGuard(store.users, store.attempts, hasher, usecase.LoginPolicyFromConfig(cfg.Auth)).
			WithLogger(log).
			WithEvents(events).
			WithMetrics(metrics),
		Issuer: issuer,
		Validator: usecase.NewSessionValidator(signer, store.users, store.ledger, store.cache).
			WithLogger(log).
			WithEvents(events).
			WithMetrics(metrics),
		Revocation: usecase.NewRevocationService(store.users, store.refresh, store.ledger, store.cache, signer, hasher, issuer).
			WithLogger(log).
			WithEvents(events).
			WithMetrics(metrics).
			WithMinPasswordLength(cfg.Auth.MinPasswordLength),
		Registration: usecase.NewRegistrationService(store.users, hasher, cfg.Auth.AllowedEmailDomains, cfg.Auth.MinPasswordLength).
			WithLogger(log),
		Audit: usecase.NewLoginAuditService(store.attempts, cfg.Auth.AttemptRetention),
	}

	a.janitor = usecase.NewJanitor(store.ledger, store.attempts, store.refresh,
		cfg.Janitor.Interval, cfg.Auth.AttemptRetention, cfg.JWT.RefreshTokenTTL).
		WithLogger(log)

	a.engine = routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		Tracer:      tracing.Tracer(telemetry.InstrumentationName),
		RateLimiter: middleware.NewRateLimiter(store.rateLimit, log),
		HTTPMetrics: httpMetrics,
		Gatherer:    registry,
		Services:    services,
		Database:    store.database,
		Cache:       store.redis,
	})

	return a, nil
}

func (a *Application) openBackends(ctx context.Context) (backends, error) {
	cfg := a.cfg
	if cfg.Storage.Driver == config.StorageDriverMemory {
		a.logger.Warn("using in-memory storage, state is lost on restart")
		return backends{
			users:     memory.NewUserRepository(),
			attempts:  memory.NewLoginAttemptRepository(),
			refresh:   memory.NewRefreshTokenRepository(),
			ledger:    memory.NewRevocationLedger(),
			cache:     memory.NewRevocationCache(),
			rateLimit: memory.NewRateLimitStore(),
		}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, a.logger)
	if err != nil {
		return backends{}, fmt.Errorf("init postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	if cfg.Postgres.MigrateOnStart {
		if err := database.Migrate(ctx, pool, a.logger); err != nil {
			return backends{}, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, a.logger)
	if err != nil {
		return backends{}, fmt.Errorf("init redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = redisClient.Close() })

	repos := postgresrepo.NewRepositories(pool)
	return backends{
		users:    repos.Users,
		attempts: repos.LoginAttempts,
		refresh:  repos.RefreshTokens,
		ledger:   repos.Revocations,
		cache:    redisrepo.NewRevocationCache(redisClient.Client(), cfg.Redis.RevokedPrefix),
		rateLimit: redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
			KeyPrefix: cfg.Redis.RateLimitPrefix,
		}),
		database: pool,
		redis:    redisClient,
	}, nil
}

func (a *Application) eventPublisher(metrics *telemetry.AuthMetrics) port.EventPublisher {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka brokers not configured, using stub publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}

	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	producer.OnError(metrics.EventDeliveryFailed)
	a.producer = producer
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

// Run serves HTTP and runs the janitor until ctx is cancelled, then shuts
// everything down.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.close()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.janitor.Run(janitorCtx)
	}()
	defer func() {
		stopJanitor()
		wg.Wait()
	}()

	a.logger.Info("starting auth API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.String("storage", a.cfg.Storage.Driver),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down auth API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		if err := a.tracing.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// close releases resources in reverse acquisition order.
func (a *Application) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("kafka producer close failed", zap.Error(err))
		}
		a.producer = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
