package port

import (
	"context"

	"github.com/arklim/workspace-auth/internal/core/domain"
)

// EventPublisher publishes security events to the message bus.
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, event domain.SecurityEvent) error
}
