package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/config"
	"github.com/arklim/workspace-auth/internal/infra/logger"
	"github.com/arklim/workspace-auth/internal/repository"
)

// LoginPolicy tunes lockout and response-time flattening.
type LoginPolicy struct {
	Threshold  int
	LockWindow time.Duration
	DelayMin   time.Duration
	DelayMax   time.Duration
}

// DefaultLoginPolicy locks after five failures for thirty minutes and pads
// every response by 100-150ms.
func DefaultLoginPolicy() LoginPolicy {
	return LoginPolicy{
		Threshold:  5,
		LockWindow: 30 * time.Minute,
		DelayMin:   100 * time.Millisecond,
		DelayMax:   150 * time.Millisecond,
	}
}

// LoginPolicyFromConfig overlays configured values on the defaults.
func LoginPolicyFromConfig(cfg config.AuthSettings) LoginPolicy {
	policy := DefaultLoginPolicy()
	if cfg.LockoutThreshold > 0 {
		policy.Threshold = cfg.LockoutThreshold
	}
	if cfg.LockoutWindow > 0 {
		policy.LockWindow = cfg.LockoutWindow
	}
	if cfg.LoginDelayMin > 0 {
		policy.DelayMin = cfg.LoginDelayMin
	}
	if cfg.LoginDelayMax > 0 {
		policy.DelayMax = cfg.LoginDelayMax
	}
	if policy.DelayMax < policy.DelayMin {
		policy.DelayMax = policy.DelayMin
	}
	return policy
}

// LoginGuard authenticates email/password pairs while resisting user
// enumeration by timing and brute force by volume.
type LoginGuard struct {
	users    port.UserRepository
	attempts port.LoginAttemptRepository
	hasher   port.PasswordHasher
	policy   LoginPolicy
	events   securityEvents
	metrics  port.AuthMetrics
	logger   *zap.Logger
	now      func() time.Time
	sleep    Sleeper
	jitter   func(n int64) int64
}

// NewLoginGuard constructs a LoginGuard.
func NewLoginGuard(users port.UserRepository, attempts port.LoginAttemptRepository, hasher port.PasswordHasher, policy LoginPolicy) *LoginGuard {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultLoginPolicy().Threshold
	}
	if policy.LockWindow <= 0 {
		policy.LockWindow = DefaultLoginPolicy().LockWindow
	}
	log := zap.NewNop()
	return &LoginGuard{
		users:    users,
		attempts: attempts,
		hasher:   hasher,
		policy:   policy,
		events:   securityEvents{logger: log},
		metrics:  metricsOrNop(nil),
		logger:   log,
		now:      defaultNow,
		sleep:    sleepContext,
		jitter:   rand.Int64N,
	}
}

// WithLogger attaches a structured logger.
func (g *LoginGuard) WithLogger(log *zap.Logger) *LoginGuard {
	if log != nil {
		g.logger = log
		g.events.logger = log
	}
	return g
}

// WithEvents wires the security event publisher.
func (g *LoginGuard) WithEvents(publisher port.EventPublisher) *LoginGuard {
	g.events.publisher = publisher
	return g
}

// WithMetrics wires auth counters.
func (g *LoginGuard) WithMetrics(metrics port.AuthMetrics) *LoginGuard {
	g.metrics = metricsOrNop(metrics)
	return g
}

// WithClock overrides the clock for deterministic tests.
func (g *LoginGuard) WithClock(now func() time.Time) *LoginGuard {
	if now != nil {
		g.now = now
	}
	return g
}

// WithSleeper overrides how the response delay is applied.
func (g *LoginGuard) WithSleeper(sleep Sleeper) *LoginGuard {
	if sleep != nil {
		g.sleep = sleep
	}
	return g
}

// Authenticate verifies the credentials. Every refusal is domain.ErrInvalidCredentials;
// the specific reason only reaches the attempt log, metrics and events.
// Store failures are returned wrapped and never treated as success.
func (g *LoginGuard) Authenticate(ctx context.Context, email, password string, reqCtx domain.RequestContext) (*domain.User, error) {
	defer g.pause(ctx)

	email = normalizeEmail(email)
	now := g.now()

	user, lookupErr := g.users.GetByEmail(ctx, email)
	if lookupErr != nil {
		user = nil
	}

	// Exactly one comparison on every path.
	encoded := g.hasher.DummyHash()
	if user != nil && user.HasPassword() {
		encoded = *user.PasswordHash
	}
	matched, verifyErr := g.hasher.Verify(password, encoded)
	if user == nil || !user.HasPassword() {
		matched = false
	}

	if lookupErr != nil && !errors.Is(lookupErr, repository.ErrNotFound) {
		g.recordFailure(ctx, nil, email, reqCtx, domain.LoginFailureInternalError, now)
		return nil, fmt.Errorf("lookup user: %w", lookupErr)
	}
	if user == nil {
		g.recordFailure(ctx, nil, email, reqCtx, domain.LoginFailureUserNotFound, now)
		return nil, domain.ErrInvalidCredentials
	}
	if user.IsLocked(now) {
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureAccountLocked, now)
		return nil, domain.ErrInvalidCredentials
	}
	if verifyErr != nil && user.HasPassword() {
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureInternalError, now)
		return nil, fmt.Errorf("verify password: %w", verifyErr)
	}

	if !matched {
		return nil, g.registerFailure(ctx, user, email, reqCtx, now)
	}

	if err := g.users.ResetFailedLogins(ctx, user.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureUserNotFound, now)
			return nil, domain.ErrInvalidCredentials
		}
		// A concurrent failure locked the account after it was read.
		if errors.Is(err, repository.ErrConflict) {
			g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureAccountLocked, now)
			return nil, domain.ErrInvalidCredentials
		}
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureInternalError, now)
		return nil, fmt.Errorf("reset failed logins: %w", err)
	}

	g.record(ctx, domain.LoginAttempt{
		UserID:    &user.ID,
		Email:     email,
		IP:        reqCtx.IP,
		UserAgent: reqCtx.UserAgent,
		Outcome:   domain.LoginOutcomeSuccess,
		CreatedAt: now,
	})
	g.metrics.LoginAttempt(domain.LoginOutcomeSuccess, "")
	g.logger.Info("login succeeded",
		zap.String("user_id", user.ID),
		zap.String("email", logger.MaskEmail(email)),
		zap.String("ip", logger.MaskIP(reqCtx.IP)),
	)

	authenticated := user.Sanitized()
	authenticated.FailedLoginAttempts = 0
	authenticated.LockUntil = nil
	authenticated.LastLoginAt = &now
	return &authenticated, nil
}

func (g *LoginGuard) registerFailure(ctx context.Context, user *domain.User, email string, reqCtx domain.RequestContext, now time.Time) error {
	state, err := g.users.RegisterFailedLogin(ctx, user.ID, now, g.policy.Threshold, g.policy.LockWindow)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureUserNotFound, now)
			return domain.ErrInvalidCredentials
		}
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureInternalError, now)
		return fmt.Errorf("register failed login: %w", err)
	}

	switch {
	case state.Locked:
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureAccountLocked, now)
	case state.JustLocked:
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureAccountLocked, now)
		g.metrics.AccountLocked()
		g.logger.Warn("account locked after repeated failures",
			zap.String("user_id", user.ID),
			zap.String("email", logger.MaskEmail(email)),
			zap.String("ip", logger.MaskIP(reqCtx.IP)),
			zap.Int("failed_attempts", state.FailedAttempts),
		)
		event := domain.SecurityEvent{
			Kind:       domain.SecurityEventAccountLocked,
			UserID:     user.ID,
			IP:         reqCtx.IP,
			UserAgent:  reqCtx.UserAgent,
			Count:      state.FailedAttempts,
			OccurredAt: now,
		}
		if state.LockUntil != nil {
			event.Metadata = map[string]any{"lock_until": state.LockUntil.UTC().Format(time.RFC3339)}
		}
		g.events.publish(ctx, event)
	default:
		g.recordFailure(ctx, &user.ID, email, reqCtx, domain.LoginFailureIncorrectPassword, now)
	}
	return domain.ErrInvalidCredentials
}

func (g *LoginGuard) recordFailure(ctx context.Context, userID *string, email string, reqCtx domain.RequestContext, reason domain.LoginFailureReason, at time.Time) {
	g.record(ctx, domain.LoginAttempt{
		UserID:        userID,
		Email:         email,
		IP:            reqCtx.IP,
		UserAgent:     reqCtx.UserAgent,
		Outcome:       domain.LoginOutcomeFailure,
		FailureReason: &reason,
		CreatedAt:     at,
	})
	g.metrics.LoginAttempt(domain.LoginOutcomeFailure, string(reason))
	g.logger.Info("login rejected",
		zap.String("reason", string(reason)),
		zap.String("email", logger.MaskEmail(email)),
		zap.String("ip", logger.MaskIP(reqCtx.IP)),
	)
}

func (g *LoginGuard) record(ctx context.Context, attempt domain.LoginAttempt) {
	if g.attempts == nil {
		return
	}
	if err := g.attempts.Record(ctx, attempt); err != nil {
		g.logger.Error("failed to record login attempt",
			zap.String("email", logger.MaskEmail(attempt.Email)),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Error(err),
		)
	}
}

// pause applies the randomized response delay.
func (g *LoginGuard) pause(ctx context.Context) {
	delay := g.policy.DelayMin
	if span := int64(g.policy.DelayMax - g.policy.DelayMin); span > 0 {
		delay += time.Duration(g.jitter(span + 1))
	}
	if delay <= 0 {
		return
	}
	_ = g.sleep(ctx, delay)
}
