package port

import (
	"context"
	"time"
)

// RevocationCache is the fast negative cache in front of the revocation ledger.
type RevocationCache interface {
	MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
