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

// RevocationService implements logout, mass revocation, password change and
// the administrative session controls.
type RevocationService struct {
	users             port.UserRepository
	refresh           port.RefreshTokenRepository
	ledger            port.RevocationLedger
	cache             port.RevocationCache
	signer            port.TokenSigner
	hasher            port.PasswordHasher
	issuer            *SessionIssuer
	minPasswordLength int
	events            securityEvents
	metrics           port.AuthMetrics
	logger            *zap.Logger
	now               func() time.Time
}

// NewRevocationService constructs a RevocationService. cache may be nil.
func NewRevocationService(
	users port.UserRepository,
	refresh port.RefreshTokenRepository,
	ledger port.RevocationLedger,
	cache port.RevocationCache,
	signer port.TokenSigner,
	hasher port.PasswordHasher,
	issuer *SessionIssuer,
) *RevocationService {
	log := zap.NewNop()
	return &RevocationService{
		users:             users,
		refresh:           refresh,
		ledger:            ledger,
		cache:             cache,
		signer:            signer,
		hasher:            hasher,
		issuer:            issuer,
		minPasswordLength: defaultMinPasswordLength,
		events:            securityEvents{logger: log},
		metrics:           metricsOrNop(nil),
		logger:            log,
		now:               defaultNow,
	}
}

// WithLogger attaches a structured logger.
func (s *RevocationService) WithLogger(log *zap.Logger) *RevocationService {
	if log != nil {
		s.logger = log
		s.events.logger = log
	}
	return s
}

// WithEvents wires the security event publisher.
func (s *RevocationService) WithEvents(publisher port.EventPublisher) *RevocationService {
	s.events.publisher = publisher
	return s
}

// WithMetrics wires auth counters.
func (s *RevocationService) WithMetrics(metrics port.AuthMetrics) *RevocationService {
	s.metrics = metricsOrNop(metrics)
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *RevocationService) WithClock(now func() time.Time) *RevocationService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMinPasswordLength sets the minimum length accepted by ChangePassword.
func (s *RevocationService) WithMinPasswordLength(n int) *RevocationService {
	if n > 0 {
		s.minPasswordLength = n
	}
	return s
}

// Logout revokes the presented access token by jti and the single refresh
// token presented alongside it. Other sessions of the user are untouched.
// Either credential may be empty.
func (s *RevocationService) Logout(ctx context.Context, accessToken, refreshToken string, reqCtx domain.RequestContext) error {
	var subject string

	if accessToken = strings.TrimSpace(accessToken); accessToken != "" {
		claims, err := s.signer.ParseIgnoringExpiry(accessToken)
		if err != nil {
			s.logger.Info("logout with unverifiable access token",
				zap.String("ip", logger.MaskIP(reqCtx.IP)),
				zap.Error(err),
			)
		} else {
			subject = claims.Subject
			if claims.JTI != "" {
				if _, err := s.RevokeAccessToken(ctx, claims, domain.RevocationReasonLogout, reqCtx.IP); err != nil {
					return err
				}
			}
		}
	}

	if refreshToken = strings.TrimSpace(refreshToken); refreshToken == "" {
		return nil
	}
	token, err := s.refresh.GetByHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load refresh token: %w", err)
	}
	if subject != "" && token.UserID != subject {
		s.logger.Warn("logout refresh token belongs to another user",
			zap.String("user_id", subject),
			zap.String("token_hash", logger.MaskTokenHash(token.TokenHash)),
		)
		return nil
	}
	if token.IsRevoked() {
		return nil
	}
	if err := s.refresh.Revoke(ctx, token.ID, domain.RevocationReasonLogout, optionalIP(reqCtx.IP), s.now()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	s.metrics.SessionsRevoked(domain.RevocationReasonLogout, 1)
	s.logger.Info("session logged out",
		zap.String("user_id", token.UserID),
		zap.String("family_id", token.FamilyID),
	)
	return nil
}

// RevokeAccessToken records the token's jti in the ledger and the cache.
// It reports whether the ledger entry is new; re-revoking is not an error.
func (s *RevocationService) RevokeAccessToken(ctx context.Context, claims domain.AccessTokenClaims, reason domain.RevocationReason, ip string) (bool, error) {
	if !reason.Valid() {
		return false, ErrInvalidRevocationReason
	}
	now := s.now()
	inserted, err := s.ledger.Revoke(ctx, domain.RevokedToken{
		JTI:       claims.JTI,
		UserID:    claims.Subject,
		Reason:    reason,
		RevokedIP: optionalIP(ip),
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
		RevokedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("revoke access token: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.MarkRevoked(ctx, claims.JTI, claims.ExpiresAt.Sub(now)); err != nil {
			s.logger.Warn("failed to cache revoked jti",
				zap.String("jti", claims.JTI),
				zap.Error(err),
			)
		}
	}
	return inserted, nil
}

// RevokeAllSessions invalidates every access token issued to the user up to
// now by advancing the watermark, and revokes all of the user's refresh tokens.
// It returns the number of refresh tokens revoked.
func (s *RevocationService) RevokeAllSessions(ctx context.Context, userID string, reason domain.RevocationReason) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	if !reason.Valid() {
		return 0, ErrInvalidRevocationReason
	}
	return s.revokeAll(ctx, userID, reason, s.now())
}

func (s *RevocationService) revokeAll(ctx context.Context, userID string, reason domain.RevocationReason, now time.Time) (int, error) {
	watermark := nextWatermark(now)
	if err := s.users.SetTokensValidAfter(ctx, userID, watermark); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, domain.ErrUserNotFound
		}
		return 0, fmt.Errorf("set tokens valid after: %w", err)
	}

	revoked, err := s.refresh.RevokeAllForUser(ctx, userID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}

	s.metrics.SessionsRevoked(reason, revoked)
	s.logger.Info("all sessions revoked",
		zap.String("user_id", userID),
		zap.String("reason", string(reason)),
		zap.Int("revoked", revoked),
		zap.Time("tokens_valid_after", watermark),
	)
	s.events.publish(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventSessionsRevoked,
		UserID:     userID,
		Reason:     string(reason),
		Count:      revoked,
		OccurredAt: now,
		Metadata:   map[string]any{"tokens_valid_after": watermark.Format(time.RFC3339)},
	})
	return revoked, nil
}

// RevokeSession revokes the whole chain that the given refresh token belongs to.
func (s *RevocationService) RevokeSession(ctx context.Context, refreshToken string) (int, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return 0, domain.ErrInvalidRefreshToken
	}
	token, err := s.refresh.GetByHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, domain.ErrInvalidRefreshToken
		}
		return 0, fmt.Errorf("load refresh token: %w", err)
	}
	return s.RevokeSessionFamily(ctx, token.FamilyID, domain.RevocationReasonAdminRevoked)
}

// RevokeSessionFamily revokes every token of one chain. Revoking an unknown or
// already revoked chain returns zero.
func (s *RevocationService) RevokeSessionFamily(ctx context.Context, familyID string, reason domain.RevocationReason) (int, error) {
	familyID = strings.TrimSpace(familyID)
	if familyID == "" {
		return 0, fmt.Errorf("family id is required")
	}
	if !reason.Valid() {
		return 0, ErrInvalidRevocationReason
	}
	revoked, err := s.refresh.RevokeFamily(ctx, familyID, reason, nil, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh chain: %w", err)
	}
	s.metrics.SessionsRevoked(reason, revoked)
	s.logger.Info("session chain revoked",
		zap.String("family_id", familyID),
		zap.String("reason", string(reason)),
		zap.Int("revoked", revoked),
	)
	return revoked, nil
}

// UnlockAccount clears the lockout counter and lock window.
func (s *RevocationService) UnlockAccount(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDRequired
	}
	if err := s.users.Unlock(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("unlock account: %w", err)
	}
	s.logger.Info("account unlocked", zap.String("user_id", userID))
	return nil
}

// ListSessions returns the live head of every chain the user owns.
func (s *RevocationService) ListSessions(ctx context.Context, userID string) ([]domain.RefreshToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	sessions, err := s.refresh.ListActiveByUser(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ChangePassword verifies the current password, stores the new one, revokes
// every session of the user and returns a fresh session for the caller whose
// access token is issued after the new watermark.
func (s *RevocationService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, reqCtx domain.RequestContext) (*domain.IssuedSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if len(newPassword) < s.minPasswordLength {
		return nil, ErrPasswordTooShort
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	encoded := s.hasher.DummyHash()
	if user.HasPassword() {
		encoded = *user.PasswordHash
	}
	matched, err := s.hasher.Verify(currentPassword, encoded)
	if err != nil && user.HasPassword() {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !matched || !user.HasPassword() {
		return nil, domain.ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	if err := s.users.UpdatePassword(ctx, userID, hash, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("update password: %w", err)
	}
	if _, err := s.revokeAll(ctx, userID, domain.RevocationReasonPasswordChanged, now); err != nil {
		return nil, err
	}

	s.events.publish(ctx, domain.SecurityEvent{
		Kind:       domain.SecurityEventPasswordChanged,
		UserID:     userID,
		IP:         reqCtx.IP,
		UserAgent:  reqCtx.UserAgent,
		OccurredAt: now,
	})

	session, err := s.issuer.IssueSession(ctx, userID, reqCtx)
	if err != nil {
		return nil, fmt.Errorf("issue session after password change: %w", err)
	}
	return session, nil
}
