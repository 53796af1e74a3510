package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/logger"
)

// StubPublisher logs events instead of sending them to Kafka. Used when no brokers are configured.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a logging event publisher.
func NewStubPublisher(log *zap.Logger) *StubPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &StubPublisher{logger: log}
}

// PublishSecurityEvent logs the event at a level matching its severity.
func (p *StubPublisher) PublishSecurityEvent(_ context.Context, event domain.SecurityEvent) error {
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.String("event_type", SecurityEventType(event.Kind)),
		zap.String("severity", event.Kind.Severity()),
		zap.String("user_id", event.UserID),
		zap.String("family_id", event.FamilyID),
		zap.String("jti", event.JTI),
		zap.String("ip", logger.MaskIP(event.IP)),
		zap.String("reason", event.Reason),
		zap.Int("count", event.Count),
		zap.Time("timestamp", at.UTC()),
	}

	if event.Kind.Severity() == "high" {
		p.logger.Warn("security event", fields...)
		return nil
	}
	p.logger.Info("security event", fields...)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
