package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/port"
)

const (
	defaultJanitorInterval  = time.Hour
	defaultAttemptRetention = 30 * 24 * time.Hour
)

// JanitorReport counts rows removed by one sweep.
type JanitorReport struct {
	RevokedTokens int
	LoginAttempts int
	RefreshTokens int
}

// Janitor prunes revocation ledger rows past their token's expiry, login
// attempts past retention and long-expired refresh tokens.
type Janitor struct {
	ledger           port.RevocationLedger
	attempts         port.LoginAttemptRepository
	refresh          port.RefreshTokenRepository
	interval         time.Duration
	attemptRetention time.Duration
	refreshTTL       time.Duration
	logger           *zap.Logger
	now              func() time.Time
}

// NewJanitor constructs a Janitor.
func NewJanitor(ledger port.RevocationLedger, attempts port.LoginAttemptRepository, refresh port.RefreshTokenRepository, interval, attemptRetention, refreshTTL time.Duration) *Janitor {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	if attemptRetention <= 0 {
		attemptRetention = defaultAttemptRetention
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenTTL
	}
	return &Janitor{
		ledger:           ledger,
		attempts:         attempts,
		refresh:          refresh,
		interval:         interval,
		attemptRetention: attemptRetention,
		refreshTTL:       refreshTTL,
		logger:           zap.NewNop(),
		now:              defaultNow,
	}
}

// WithLogger attaches a structured logger.
func (j *Janitor) WithLogger(log *zap.Logger) *Janitor {
	if log != nil {
		j.logger = log
	}
	return j
}

// WithClock overrides the clock for deterministic tests.
func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	if now != nil {
		j.now = now
	}
	return j
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Failures are logged per table and do not
// stop the remaining prunes.
func (j *Janitor) RunOnce(ctx context.Context) JanitorReport {
	now := j.now()
	var report JanitorReport

	if n, err := j.ledger.PruneExpired(ctx, now); err != nil {
		j.logger.Error("prune revoked tokens failed", zap.Error(err))
	} else {
		report.RevokedTokens = n
	}

	if n, err := j.attempts.PruneBefore(ctx, now.Add(-j.attemptRetention)); err != nil {
		j.logger.Error("prune login attempts failed", zap.Error(err))
	} else {
		report.LoginAttempts = n
	}

	if n, err := j.refresh.DeleteExpired(ctx, now.Add(-j.refreshTTL)); err != nil {
		j.logger.Error("prune refresh tokens failed", zap.Error(err))
	} else {
		report.RefreshTokens = n
	}

	if report.RevokedTokens+report.LoginAttempts+report.RefreshTokens > 0 {
		j.logger.Info("janitor sweep completed",
			zap.Int("revoked_tokens", report.RevokedTokens),
			zap.Int("login_attempts", report.LoginAttempts),
			zap.Int("refresh_tokens", report.RefreshTokens),
		)
	}
	return report
}
