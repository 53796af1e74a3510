package port

import (
	"context"
	"time"
)

// WindowUsage summarises a sliding window after a hit has been recorded.
type WindowUsage struct {
	Count  int
	Oldest time.Time
}

// RateLimitStore records hits in a sliding window keyed by identifier.
type RateLimitStore interface {
	Hit(ctx context.Context, identifier string, window time.Duration, at time.Time) (WindowUsage, error)
}
