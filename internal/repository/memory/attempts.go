package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
)

// LoginAttemptRepository is an append-only in-memory login log.
type LoginAttemptRepository struct {
	mu       sync.RWMutex
	attempts []domain.LoginAttempt
}

// NewLoginAttemptRepository provisions an empty log.
func NewLoginAttemptRepository() *LoginAttemptRepository {
	return &LoginAttemptRepository{}
}

func (r *LoginAttemptRepository) Record(_ context.Context, attempt domain.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt.Email = normalizeEmail(attempt.Email)
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *LoginAttemptRepository) ListRecentByEmail(_ context.Context, email string, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	email = normalizeEmail(email)
	return r.list(func(a domain.LoginAttempt) bool { return a.Email == email }, since, limit), nil
}

func (r *LoginAttemptRepository) ListRecentByIP(_ context.Context, ip string, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	ip = strings.TrimSpace(ip)
	return r.list(func(a domain.LoginAttempt) bool { return a.IP == ip }, since, limit), nil
}

func (r *LoginAttemptRepository) CountFailuresByIP(_ context.Context, ip string, since time.Time) (int, error) {
	ip = strings.TrimSpace(ip)

	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, attempt := range r.attempts {
		if attempt.IP == ip && attempt.Outcome == domain.LoginOutcomeFailure && !attempt.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *LoginAttemptRepository) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.attempts[:0]
	for _, attempt := range r.attempts {
		if !attempt.CreatedAt.Before(cutoff) {
			kept = append(kept, attempt)
		}
	}
	pruned := len(r.attempts) - len(kept)
	r.attempts = kept
	return pruned, nil
}

// list walks the log backwards so results are newest first.
func (r *LoginAttemptRepository) list(match func(domain.LoginAttempt) bool, since time.Time, limit int) []domain.LoginAttempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.LoginAttempt
	for i := len(r.attempts) - 1; i >= 0; i-- {
		attempt := r.attempts[i]
		if attempt.CreatedAt.Before(since) || !match(attempt) {
			continue
		}
		out = append(out, attempt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

var _ port.LoginAttemptRepository = (*LoginAttemptRepository)(nil)
