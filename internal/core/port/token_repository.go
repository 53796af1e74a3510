package port

import (
	"context"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
)

// RefreshTokenRepository manages rotation chains of refresh tokens.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	// Rotate stores successor and links the predecessor to it as one atomic
	// step, only if the predecessor is still the live head of its chain.
	// repository.ErrConflict signals a lost race; on any error nothing is written.
	Rotate(ctx context.Context, predecessorID string, successor domain.RefreshToken, usedAt time.Time) error
	Revoke(ctx context.Context, id string, reason domain.RevocationReason, ip *string, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, reason domain.RevocationReason, ip *string, at time.Time) (int, error)
	RevokeAllForUser(ctx context.Context, userID string, reason domain.RevocationReason, at time.Time) (int, error)
	ListActiveByUser(ctx context.Context, userID string, at time.Time) ([]domain.RefreshToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// RevocationLedger is the durable record of individually revoked access tokens.
type RevocationLedger interface {
	// Revoke inserts the entry and reports whether it was new. Re-revoking is a no-op.
	Revoke(ctx context.Context, entry domain.RevokedToken) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PruneExpired(ctx context.Context, before time.Time) (int, error)
}
