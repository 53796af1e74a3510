package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/logger"
	"github.com/arklim/workspace-auth/internal/infra/security"
	"github.com/arklim/workspace-auth/internal/repository"
)

const defaultRefreshTokenTTL = 7 * 24 * time.Hour

// SessionIssuer mints access/refresh pairs and rotates refresh tokens with
// reuse detection.
type SessionIssuer struct {
	users      port.UserRepository
	refresh    port.RefreshTokenRepository
	signer     port.TokenSigner
	refreshTTL time.Duration
	newToken   func() (value string, hash string, err error)
	newID      func() string
	events     securityEvents
	metrics    port.AuthMetrics
	logger     *zap.Logger
	now        func() time.Time
	sleep      Sleeper
}

// NewSessionIssuer constructs a SessionIssuer. A non-positive refreshTTL selects seven days.
func NewSessionIssuer(users port.UserRepository, refresh port.RefreshTokenRepository, signer port.TokenSigner, refreshTTL time.Duration) *SessionIssuer {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenTTL
	}
	log := zap.NewNop()
	return &SessionIssuer{
		users:      users,
		refresh:    refresh,
		signer:     signer,
		refreshTTL: refreshTTL,
		newToken:   security.NewRefreshToken,
		newID:      uuid.NewString,
		events:     securityEvents{logger: log},
		metrics:    metricsOrNop(nil),
		logger:     log,
		now:        defaultNow,
		sleep:      sleepContext,
	}
}

// WithLogger attaches a structured logger.
func (s *SessionIssuer) WithLogger(log *zap.Logger) *SessionIssuer {
	if log != nil {
		s.logger = log
		s.events.logger = log
	}
	return s
}

// WithEvents wires the security event publisher.
func (s *SessionIssuer) WithEvents(publisher port.EventPublisher) *SessionIssuer {
	s.events.publisher = publisher
	return s
}

// WithMetrics wires auth counters.
func (s *SessionIssuer) WithMetrics(metrics port.AuthMetrics) *SessionIssuer {
	s.metrics = metricsOrNop(metrics)
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *SessionIssuer) WithClock(now func() time.Time) *SessionIssuer {
	if now != nil {
		s.now = now
	}
	return s
}

// WithSleeper overrides how the issuer waits out a fresh watermark.
func (s *SessionIssuer) WithSleeper(sleep Sleeper) *SessionIssuer {
	if sleep != nil {
		s.sleep = sleep
	}
	return s
}

// RefreshTTL returns the refresh-token lifetime.
func (s *SessionIssuer) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// IssueSession mints a new access token and opens a new refresh chain.
func (s *SessionIssuer) IssueSession(ctx context.Context, userID string, reqCtx domain.RequestContext) (*domain.IssuedSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	accessToken, claims, err := s.mintAccessToken(ctx, user)
	if err != nil {
		return nil, err
	}

	value, hash, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.now()
	record := s.newRecord(user.ID, s.newID(), hash, reqCtx, now)
	if err := s.refresh.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	s.logger.Info("session issued",
		zap.String("user_id", user.ID),
		zap.String("family_id", record.FamilyID),
		zap.String("jti", claims.JTI),
		zap.String("device", string(record.Device)),
		zap.String("ip", logger.MaskIP(reqCtx.IP)),
	)

	return &domain.IssuedSession{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  claims.ExpiresAt,
		AccessTokenJTI:        claims.JTI,
		RefreshToken:          value,
		RefreshTokenExpiresAt: record.ExpiresAt,
		FamilyID:              record.FamilyID,
		User:                  user.Sanitized(),
	}, nil
}

// RefreshSession rotates the presented refresh token. Presenting a token that
// has already been rotated revokes its whole chain and returns
// domain.ErrRefreshTokenReused, which carries the security incident flag.
func (s *SessionIssuer) RefreshSession(ctx context.Context, refreshToken string, reqCtx domain.RequestContext) (*domain.IssuedSession, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, s.reject(domain.ErrInvalidRefreshToken)
	}

	current, err := s.refresh.GetByHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.reject(domain.ErrInvalidRefreshToken)
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}

	now := s.now()
	// Supersession is checked before the revocation flag so a replayed token
	// is caught even after its chain was revoked for another reason.
	if current.IsSuperseded() {
		return nil, s.handleReuse(ctx, current, reqCtx, now, "superseded token presented")
	}
	if current.IsRevoked() {
		return nil, s.reject(domain.ErrRefreshTokenRevoked)
	}
	if current.IsExpired(now) {
		return nil, s.reject(domain.ErrRefreshTokenExpired)
	}

	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.reject(domain.ErrUserNotFound)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	value, hash, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	successor := s.newRecord(current.UserID, current.FamilyID, hash, reqCtx, now)

	if err := s.refresh.Rotate(ctx, current.ID, successor, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, s.handleReuse(ctx, current, reqCtx, now, "concurrent rotation")
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	accessToken, claims, err := s.mintAccessToken(ctx, user)
	if err != nil {
		return nil, err
	}

	s.metrics.RefreshRotated()
	s.logger.Debug("refresh token rotated",
		zap.String("user_id", user.ID),
		zap.String("family_id", current.FamilyID),
		zap.String("token_hash", logger.MaskTokenHash(current.TokenHash)),
	)

	return &domain.IssuedSession{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  claims.ExpiresAt,
		AccessTokenJTI:        claims.JTI,
		RefreshToken:          value,
		RefreshTokenExpiresAt: successor.ExpiresAt,
		FamilyID:              current.FamilyID,
		User:                  user.Sanitized(),
	}, nil
}

func (s *SessionIssuer) handleReuse(ctx context.Context, token *domain.RefreshToken, reqCtx domain.RequestContext, now time.Time, trigger string) error {
	revoked, err := s.refresh.RevokeFamily(ctx, token.FamilyID, domain.RevocationReasonSecurityIncident, optionalIP(reqCtx.IP), now)
	if err != nil {
		s.logger.Error("failed to revoke refresh chain after reuse",
			zap.String("user_id", token.UserID),
			zap.String("family_id", token.FamilyID),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		// The chain is still live, so this must not read as a completed response.
		return fmt.Errorf("revoke refresh chain: %w", err)
	}
	s.metrics.SessionsRevoked(domain.RevocationReasonSecurityIncident, revoked)

	s.logger.Warn("refresh token reuse detected",
		zap.String("user_id", token.UserID),
		zap.String("family_id", token.FamilyID),
		zap.String("token_hash", logger.MaskTokenHash(token.TokenHash)),
		zap.String("trigger", trigger),
		zap.String("ip", logger.MaskIP(reqCtx.IP)),
		zap.Int("revoked", revoked),
	)
	s.events.publish(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventRefreshTokenReused,
		UserID:     token.UserID,
		FamilyID:   token.FamilyID,
		IP:         reqCtx.IP,
		UserAgent:  reqCtx.UserAgent,
		Reason:     trigger,
		Count:      revoked,
		OccurredAt: now,
	})
	return s.reject(domain.ErrRefreshTokenReused)
}

// mintAccessToken signs a token for user, first waiting out a watermark that
// lies in the future so the new token is not born invalid.
func (s *SessionIssuer) mintAccessToken(ctx context.Context, user *domain.User) (string, domain.AccessTokenClaims, error) {
	if user.TokensValidAfter != nil {
		if wait := user.TokensValidAfter.Sub(s.now()); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return "", domain.AccessTokenClaims{}, fmt.Errorf("wait for watermark: %w", err)
			}
		}
	}

	issuedAt := s.now()
	if user.TokensValidAfter != nil && issuedAt.Before(*user.TokensValidAfter) {
		issuedAt = *user.TokensValidAfter
	}
	token, claims, err := s.signer.Issue(user.ID, issuedAt)
	if err != nil {
		return "", domain.AccessTokenClaims{}, fmt.Errorf("sign access token: %w", err)
	}
	return token, claims, nil
}

func (s *SessionIssuer) newRecord(userID, familyID, hash string, reqCtx domain.RequestContext, now time.Time) domain.RefreshToken {
	return domain.RefreshToken{
		ID:        s.newID(),
		TokenHash: hash,
		UserID:    userID,
		FamilyID:  familyID,
		CreatedIP: reqCtx.IP,
		UserAgent: reqCtx.UserAgent,
		Device:    domain.ClassifyDevice(reqCtx.UserAgent),
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
}

func (s *SessionIssuer) reject(rejection *domain.Rejection) error {
	s.metrics.RefreshRejected(rejection.Reason)
	return rejection
}
