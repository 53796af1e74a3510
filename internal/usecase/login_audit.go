package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
)

const defaultAuditLookback = 24 * time.Hour

// LoginAuditService answers abuse-pattern queries over the attempt log.
type LoginAuditService struct {
	attempts port.LoginAttemptRepository
	lookback time.Duration
	now      func() time.Time
}

// NewLoginAuditService constructs a LoginAuditService. lookback bounds every
// query; a non-positive value selects 24 hours.
func NewLoginAuditService(attempts port.LoginAttemptRepository, lookback time.Duration) *LoginAuditService {
	if lookback <= 0 {
		lookback = defaultAuditLookback
	}
	return &LoginAuditService{attempts: attempts, lookback: lookback, now: defaultNow}
}

// WithClock overrides the clock for deterministic tests.
func (s *LoginAuditService) WithClock(now func() time.Time) *LoginAuditService {
	if now != nil {
		s.now = now
	}
	return s
}

// RecentByEmail lists the newest attempts against one email.
func (s *LoginAuditService) RecentByEmail(ctx context.Context, email string, limit int) ([]domain.LoginAttempt, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	attempts, err := s.attempts.ListRecentByEmail(ctx, email, s.now().Add(-s.lookback), limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts by email: %w", err)
	}
	return attempts, nil
}

// RecentByIP lists the newest attempts from one source address.
func (s *LoginAuditService) RecentByIP(ctx context.Context, ip string, limit int) ([]domain.LoginAttempt, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil, fmt.Errorf("ip is required")
	}
	attempts, err := s.attempts.ListRecentByIP(ctx, ip, s.now().Add(-s.lookback), limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts by ip: %w", err)
	}
	return attempts, nil
}

// FailuresByIP counts failed attempts from one source address within the lookback.
func (s *LoginAuditService) FailuresByIP(ctx context.Context, ip string) (int, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return 0, fmt.Errorf("ip is required")
	}
	count, err := s.attempts.CountFailuresByIP(ctx, ip, s.now().Add(-s.lookback))
	if err != nil {
		return 0, fmt.Errorf("count failures by ip: %w", err)
	}
	return count, nil
}
