package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/logger"
	"github.com/arklim/workspace-auth/internal/infra/security"
	"github.com/arklim/workspace-auth/internal/repository"
)

const (
	invalidationPasswordChanged = "password_changed"
	invalidationSessionsRevoked = "sessions_revoked"
)

// TokenSources carries the raw credentials the routing layer found on a request.
type TokenSources struct {
	// Authorization is the raw Authorization header value.
	Authorization string
	// Cookie is the access token carried by the session cookie.
	Cookie string
}

// Token returns the bearer token when present, otherwise the cookie value.
func (s TokenSources) Token() string {
	header := strings.TrimSpace(s.Authorization)
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	return strings.TrimSpace(s.Cookie)
}

// Principal is the identity attached to an authenticated request.
type Principal struct {
	User   domain.User
	Claims domain.AccessTokenClaims
}

// SessionValidator authenticates access tokens on every request. It never
// downgrades a request to anonymous: each failure is a typed rejection.
type SessionValidator struct {
	signer  port.TokenSigner
	users   port.UserRepository
	ledger  port.RevocationLedger
	cache   port.RevocationCache
	events  securityEvents
	metrics port.AuthMetrics
	logger  *zap.Logger
}

// NewSessionValidator constructs a SessionValidator. cache may be nil.
func NewSessionValidator(signer port.TokenSigner, users port.UserRepository, ledger port.RevocationLedger, cache port.RevocationCache) *SessionValidator {
	log := zap.NewNop()
	return &SessionValidator{
		signer:  signer,
		users:   users,
		ledger:  ledger,
		cache:   cache,
		events:  securityEvents{logger: log},
		metrics: metricsOrNop(nil),
		logger:  log,
	}
}

// WithLogger attaches a structured logger.
func (v *SessionValidator) WithLogger(log *zap.Logger) *SessionValidator {
	if log != nil {
		v.logger = log
		v.events.logger = log
	}
	return v
}

// WithEvents wires the security event publisher.
func (v *SessionValidator) WithEvents(publisher port.EventPublisher) *SessionValidator {
	v.events.publisher = publisher
	return v
}

// WithMetrics wires auth counters.
func (v *SessionValidator) WithMetrics(metrics port.AuthMetrics) *SessionValidator {
	v.metrics = metricsOrNop(metrics)
	return v
}

// ValidateRequest returns the principal behind the request's access token.
func (v *SessionValidator) ValidateRequest(ctx context.Context, sources TokenSources, reqCtx domain.RequestContext) (*Principal, error) {
	token := sources.Token()
	if token == "" {
		return nil, v.reject(domain.ErrNoToken)
	}

	claims, err := v.signer.Parse(token)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, v.reject(domain.ErrTokenExpired)
		}
		v.logger.Warn("access token failed verification",
			zap.String("ip", logger.MaskIP(reqCtx.IP)),
			zap.Error(err),
		)
		v.events.publish(ctx, domain.SecurityEvent{
			Kind:      domain.SecurityEventInvalidTokenSignature,
			IP:        reqCtx.IP,
			UserAgent: reqCtx.UserAgent,
			Reason:    err.Error(),
		})
		return nil, v.reject(domain.ErrInvalidToken)
	}

	if claims.JTI != "" {
		revoked, err := v.isRevoked(ctx, claims.JTI)
		if err != nil {
			v.metrics.TokenValidation("error")
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			v.logger.Warn("revoked access token presented",
				zap.String("user_id", claims.Subject),
				zap.String("jti", claims.JTI),
				zap.String("ip", logger.MaskIP(reqCtx.IP)),
			)
			v.events.publish(ctx, domain.SecurityEvent{
				Kind:      domain.SecurityEventRevokedTokenPresented,
				UserID:    claims.Subject,
				JTI:       claims.JTI,
				IP:        reqCtx.IP,
				UserAgent: reqCtx.UserAgent,
			})
			return nil, v.reject(domain.ErrTokenRevoked)
		}
	}

	user, err := v.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, v.reject(domain.ErrUserNotFound)
		}
		v.metrics.TokenValidation("error")
		return nil, fmt.Errorf("load user: %w", err)
	}

	if user.TokensValidAfter != nil && (claims.IssuedAt.IsZero() || user.IssuedBeforeWatermark(claims.IssuedAt)) {
		detail := invalidationDetail(user)
		v.logger.Warn("access token predates watermark",
			zap.String("user_id", user.ID),
			zap.String("jti", claims.JTI),
			zap.String("detail", detail),
			zap.Time("issued_at", claims.IssuedAt),
			zap.Time("tokens_valid_after", *user.TokensValidAfter),
		)
		v.events.publish(ctx, domain.SecurityEvent{
			Kind:      domain.SecurityEventTokenInvalidated,
			UserID:    user.ID,
			JTI:       claims.JTI,
			IP:        reqCtx.IP,
			UserAgent: reqCtx.UserAgent,
			Reason:    detail,
		})
		return nil, v.reject(domain.ErrTokenInvalidated.WithDetail(detail))
	}

	v.metrics.TokenValidation("valid")
	return &Principal{User: user.Sanitized(), Claims: claims}, nil
}

// isRevoked consults the cache first. A cache hit is final; a miss or cache
// failure falls through to the ledger, whose errors deny the request.
func (v *SessionValidator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.cache != nil {
		revoked, err := v.cache.IsRevoked(ctx, jti)
		switch {
		case err != nil:
			v.metrics.RevocationCacheFallback()
			v.logger.Warn("revocation cache unavailable, using ledger",
				zap.String("jti", jti),
				zap.Error(err),
			)
		case revoked:
			return true, nil
		}
	}
	return v.ledger.IsRevoked(ctx, jti)
}

func (v *SessionValidator) reject(rejection *domain.Rejection) error {
	v.metrics.TokenValidation(string(rejection.Reason))
	return rejection
}

// invalidationDetail names the cause of the current watermark. A password
// change sets the watermark to the second after the change.
func invalidationDetail(user *domain.User) string {
	if user.PasswordChangedAt != nil && user.TokensValidAfter != nil &&
		!user.PasswordChangedAt.Before(user.TokensValidAfter.Add(-time.Second)) {
		return invalidationPasswordChanged
	}
	return invalidationSessionsRevoked
}
