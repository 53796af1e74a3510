package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/logger"
	"github.com/arklim/workspace-auth/internal/infra/telemetry"
)

var (
	// ErrInvalidEmail indicates the supplied email address is malformed.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrPasswordTooShort indicates a new password is below the configured minimum length.
	ErrPasswordTooShort = errors.New("password is too short")
	// ErrInvalidRevocationReason indicates an unsupported revocation reason.
	ErrInvalidRevocationReason = errors.New("invalid revocation reason")
	// ErrUserIDRequired indicates an empty user identifier.
	ErrUserIDRequired = errors.New("user id is required")
)

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultNow() time.Time {
	return time.Now().UTC()
}

// nextWatermark returns the first whole second strictly after at. Access tokens
// carry second-precision iat, so every token minted up to at falls below it.
func nextWatermark(at time.Time) time.Time {
	return at.UTC().Truncate(time.Second).Add(time.Second)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func optionalIP(ip string) *string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}
	return &ip
}

// securityEvents fans security events out to the publisher without ever
// failing the caller.
type securityEvents struct {
	publisher port.EventPublisher
	logger    *zap.Logger
}

func (e securityEvents) publish(ctx context.Context, event domain.SecurityEvent) {
	if e.publisher == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = defaultNow()
	}
	if err := e.publisher.PublishSecurityEvent(ctx, event); err != nil {
		e.logger.Error("failed to publish security event",
			zap.String("event_kind", string(event.Kind)),
			zap.String("user_id", event.UserID),
			zap.String("ip", logger.MaskIP(event.IP)),
			zap.Error(err),
		)
	}
}

func metricsOrNop(metrics port.AuthMetrics) port.AuthMetrics {
	if metrics == nil {
		return telemetry.NopMetrics{}
	}
	return metrics
}
