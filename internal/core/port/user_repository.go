package port

import (
	"context"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
)

// UserRepository exposes the credential store.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// RegisterFailedLogin atomically increments the failure counter and applies a
	// lock once threshold is reached. A row that is currently locked is left untouched.
	RegisterFailedLogin(ctx context.Context, id string, at time.Time, threshold int, window time.Duration) (domain.LockoutState, error)
	// ResetFailedLogins clears the counter and any expired lock and stamps the
	// login time. A lock still active at the given time yields repository.ErrConflict.
	ResetFailedLogins(ctx context.Context, id string, at time.Time) error
	Unlock(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id string, passwordHash string, changedAt time.Time) error
	SetTokensValidAfter(ctx context.Context, id string, watermark time.Time) error
}

// LoginAttemptRepository persists the login audit trail.
type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt domain.LoginAttempt) error
	ListRecentByEmail(ctx context.Context, email string, since time.Time, limit int) ([]domain.LoginAttempt, error)
	ListRecentByIP(ctx context.Context, ip string, since time.Time, limit int) ([]domain.LoginAttempt, error)
	CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
