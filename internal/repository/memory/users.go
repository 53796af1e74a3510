// Package memory provides process-local implementations of the auth ports.
// They back the "memory" storage driver for local development and the HTTP
// tests; state is lost on restart.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/repository"
)

// UserRepository is an in-memory credential store.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.User
	byEmail map[string]string
}

// NewUserRepository provisions an empty user store.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[string]*domain.User),
		byEmail: make(map[string]string),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *UserRepository) Create(_ context.Context, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := normalizeEmail(user.Email)
	if _, exists := r.byEmail[email]; exists {
		return repository.ErrDuplicate
	}
	if _, exists := r.byID[user.ID]; exists {
		return repository.ErrDuplicate
	}
	if user.Role == "" {
		user.Role = domain.RoleStandard
	}
	user.Email = email

	stored := cloneUser(user)
	r.byID[user.ID] = &stored
	r.byEmail[email] = user.ID
	return nil
}

func (r *UserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := cloneUser(*user)
	return &copied, nil
}

func (r *UserRepository) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := cloneUser(*r.byID[id])
	return &copied, nil
}

// RegisterFailedLogin applies the same transitions as the PostgreSQL
// conditional update, serialised by the store mutex.
func (r *UserRepository) RegisterFailedLogin(_ context.Context, id string, at time.Time, threshold int, window time.Duration) (domain.LockoutState, error) {
	if threshold < 1 {
		return domain.LockoutState{}, fmt.Errorf("lockout threshold must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return domain.LockoutState{}, repository.ErrNotFound
	}

	if user.IsLocked(at) {
		return domain.LockoutState{
			FailedAttempts: user.FailedLoginAttempts,
			LockUntil:      timePtr(*user.LockUntil),
			Locked:         true,
		}, nil
	}

	if user.LockUntil != nil {
		user.FailedLoginAttempts = 1
	} else {
		user.FailedLoginAttempts++
	}
	user.LockUntil = nil
	if user.FailedLoginAttempts >= threshold {
		user.LockUntil = timePtr(at.Add(window))
	}

	state := domain.LockoutState{FailedAttempts: user.FailedLoginAttempts}
	if user.LockUntil != nil {
		state.LockUntil = timePtr(*user.LockUntil)
		state.JustLocked = true
	}
	return state, nil
}

// ResetFailedLogins refuses to clear a lock that is still active at at.
func (r *UserRepository) ResetFailedLogins(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if user.IsLocked(at) {
		return repository.ErrConflict
	}
	user.FailedLoginAttempts = 0
	user.LockUntil = nil
	user.LastLoginAt = timePtr(at)
	return nil
}

func (r *UserRepository) Unlock(_ context.Context, id string) error {
	return r.mutate(id, func(user *domain.User) {
		user.FailedLoginAttempts = 0
		user.LockUntil = nil
	})
}

func (r *UserRepository) UpdatePassword(_ context.Context, id string, passwordHash string, changedAt time.Time) error {
	return r.mutate(id, func(user *domain.User) {
		user.PasswordHash = &passwordHash
		user.PasswordChangedAt = timePtr(changedAt)
	})
}

// SetTokensValidAfter never moves the watermark backwards.
func (r *UserRepository) SetTokensValidAfter(_ context.Context, id string, watermark time.Time) error {
	return r.mutate(id, func(user *domain.User) {
		if user.TokensValidAfter == nil || watermark.After(*user.TokensValidAfter) {
			user.TokensValidAfter = timePtr(watermark)
		}
	})
}

func (r *UserRepository) mutate(id string, fn func(*domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(user)
	return nil
}

func cloneUser(user domain.User) domain.User {
	if user.PasswordHash != nil {
		hash := *user.PasswordHash
		user.PasswordHash = &hash
	}
	user.LockUntil = cloneTime(user.LockUntil)
	user.TokensValidAfter = cloneTime(user.TokensValidAfter)
	user.LastLoginAt = cloneTime(user.LastLoginAt)
	user.PasswordChangedAt = cloneTime(user.PasswordChangedAt)
	return user
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

var _ port.UserRepository = (*UserRepository)(nil)
