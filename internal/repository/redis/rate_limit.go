package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arklim/workspace-auth/internal/core/port"
)

// SlidingWindowConfig defines configuration for the sliding window limiter.
type SlidingWindowConfig struct {
	KeyPrefix string
}

// RateLimitRepository persists rate-limit hits in Redis sorted sets scored by timestamp.
type RateLimitRepository struct {
	client *redis.Client
	cfg    SlidingWindowConfig
}

// NewRateLimitRepository constructs a repository using the provided Redis client and config.
func NewRateLimitRepository(client *redis.Client, cfg SlidingWindowConfig) *RateLimitRepository {
	return &RateLimitRepository{client: client, cfg: cfg}
}

// Hit trims entries older than the window, records the hit and returns the
// window usage, all inside one MULTI/EXEC so concurrent hits see consistent counts.
func (r *RateLimitRepository) Hit(ctx context.Context, identifier string, window time.Duration, at time.Time) (port.WindowUsage, error) {
	if window <= 0 {
		return port.WindowUsage{}, errors.New("window must be positive")
	}

	key := r.key(identifier)
	now := at.UnixNano()
	floor := strconv.FormatInt(at.Add(-window).UnixNano(), 10)
	member := redis.Z{Score: float64(now), Member: fmt.Sprintf("%d-%s", now, uuid.NewString())}

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+floor)
		pipe.ZAdd(ctx, key, member)
		count = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return port.WindowUsage{}, fmt.Errorf("redis rate limit hit: %w", err)
	}

	usage := port.WindowUsage{Count: int(count.Val()), Oldest: at}
	if entries := oldest.Val(); len(entries) > 0 {
		usage.Oldest = time.Unix(0, int64(entries[0].Score))
	}
	return usage, nil
}

func (r *RateLimitRepository) key(identifier string) string {
	if r.cfg.KeyPrefix == "" {
		return identifier
	}
	return fmt.Sprintf("%s:%s", r.cfg.KeyPrefix, identifier)
}

var _ port.RateLimitStore = (*RateLimitRepository)(nil)
