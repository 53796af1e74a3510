package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/workspace-auth/internal/core/port"
)

const defaultRevocationPrefix = "auth:revoked"

// RevocationCache keeps revoked jtis in Redis until the token would have expired anyway.
type RevocationCache struct {
	client *red.Client
	prefix string
}

// NewRevocationCache wires a Redis client into the revocation cache.
func NewRevocationCache(client *red.Client, keyPrefix string) *RevocationCache {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}

	return &RevocationCache{client: client, prefix: prefix}
}

// MarkRevoked stores the jti with a TTL matching the token's remaining lifetime.
// A non-positive TTL means the token has already expired and nothing is cached.
func (c *RevocationCache) MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error {
	key := c.key(jti)
	if key == "" {
		return errors.New("jti must not be empty")
	}
	if ttl <= 0 {
		return nil
	}

	if err := c.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set revoked jti: %w", err)
	}
	return nil
}

// IsRevoked reports whether the jti is cached as revoked. A miss is not
// authoritative; callers fall through to the ledger.
func (c *RevocationCache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	key := c.key(jti)
	if key == "" {
		return false, errors.New("jti must not be empty")
	}

	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis exists revoked jti: %w", err)
	}
	return n > 0, nil
}

func (c *RevocationCache) key(jti string) string {
	trimmed := strings.TrimSpace(jti)
	if trimmed == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.prefix, trimmed)
}

var _ port.RevocationCache = (*RevocationCache)(nil)
