package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arklim/workspace-auth/internal/core/port"
)

// RevocationCache is an expiring set of revoked jtis.
type RevocationCache struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewRevocationCache provisions an empty cache.
func NewRevocationCache() *RevocationCache {
	return &RevocationCache{expires: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the clock used for TTL expiry.
func (c *RevocationCache) WithClock(now func() time.Time) *RevocationCache {
	if now != nil {
		c.now = now
	}
	return c
}

// MarkRevoked ignores non-positive TTLs; the token has already expired.
func (c *RevocationCache) MarkRevoked(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expires[jti] = c.now().Add(ttl)
	return nil
}

func (c *RevocationCache) IsRevoked(_ context.Context, jti string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expires[jti]
	if !ok {
		return false, nil
	}
	if !expiry.After(c.now()) {
		delete(c.expires, jti)
		return false, nil
	}
	return true, nil
}

// RateLimitStore keeps sliding-window hit logs per identifier.
type RateLimitStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimitStore provisions an empty limiter store.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{hits: make(map[string][]time.Time)}
}

func (s *RateLimitStore) Hit(_ context.Context, identifier string, window time.Duration, at time.Time) (port.WindowUsage, error) {
	if window <= 0 {
		return port.WindowUsage{}, errors.New("window must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	floor := at.Add(-window)
	kept := s.hits[identifier][:0]
	for _, hit := range s.hits[identifier] {
		if !hit.Before(floor) {
			kept = append(kept, hit)
		}
	}
	kept = append(kept, at)
	s.hits[identifier] = kept

	return port.WindowUsage{Count: len(kept), Oldest: kept[0]}, nil
}

var (
	_ port.RevocationCache = (*RevocationCache)(nil)
	_ port.RateLimitStore  = (*RateLimitStore)(nil)
)
