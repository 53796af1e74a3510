package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/infra/config"
	"github.com/arklim/workspace-auth/internal/transport/http/handlers"
	"github.com/arklim/workspace-auth/internal/transport/http/middleware"
	"github.com/arklim/workspace-auth/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Guard        *usecase.LoginGuard
	Issuer       *usecase.SessionIssuer
	Validator    *usecase.SessionValidator
	Revocation   *usecase.RevocationService
	Registration *usecase.RegistrationService
	Audit        *usecase.LoginAuditService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	Tracer      trace.Tracer
	RateLimiter *middleware.RateLimiter
	HTTPMetrics *middleware.HTTPMetrics
	// Gatherer backs /metrics; nil selects the default registry.
	Gatherer prometheus.Gatherer
	Services ServiceSet
	Database DatabaseChecker
	Cache    CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext(deps.Tracer))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(deps.HTTPMetrics.Handler())
	if len(deps.Config.App.CORSOrigins) > 0 {
		r.Use(middleware.CORS(deps.Config.App.CORSOrigins))
	}

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("postgres", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if deps.Services.Validator == nil {
		return r
	}

	api := r.Group("/api/v1")
	{
		authHandler := handlers.NewAuthHandler(
			deps.Services.Guard,
			deps.Services.Issuer,
			deps.Services.Validator,
			deps.Services.Revocation,
			deps.Services.Registration,
			handlers.NewSessionCookies(deps.Config.Cookie),
		)
		authHandler.RegisterRoutes(api.Group("/auth"), buildAuthLimits(deps))

		adminGroup := api.Group("/admin")
		adminGroup.Use(authHandler.RequireAuth(), middleware.RequireRole(domain.RoleAdmin))
		handlers.NewAdminHandler(deps.Services.Revocation, deps.Services.Audit).RegisterRoutes(adminGroup)
	}

	return r
}

func buildAuthLimits(deps Dependencies) handlers.AuthRouteLimits {
	settings := deps.Config.RateLimit
	return handlers.AuthRouteLimits{
		Register: ipLimit(deps, "auth_register_ip", settings.RegisterMaxAttempts),
		Login:    ipLimit(deps, "auth_login_ip", settings.LoginMaxAttempts),
		Refresh:  ipLimit(deps, "auth_refresh_ip", settings.RefreshMaxAttempts),
	}
}

func ipLimit(deps Dependencies, name string, limit int) []gin.HandlerFunc {
	if deps.RateLimiter == nil || limit <= 0 {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rule := middleware.RateLimitRule{
		Name:       name,
		Limit:      limit,
		Window:     window,
		Identifier: middleware.ClientIPIdentifier(),
	}

	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}
