package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/repository"
)

// RefreshTokenRepository keeps rotation chains in memory.
type RefreshTokenRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.RefreshToken
	byHash map[string]string
}

// NewRefreshTokenRepository provisions an empty chain store.
func NewRefreshTokenRepository() *RefreshTokenRepository {
	return &RefreshTokenRepository{
		byID:   make(map[string]*domain.RefreshToken),
		byHash: make(map[string]string),
	}
}

func (r *RefreshTokenRepository) Create(_ context.Context, token domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(token)
}

func (r *RefreshTokenRepository) create(token domain.RefreshToken) error {
	if _, exists := r.byHash[token.TokenHash]; exists {
		return repository.ErrDuplicate
	}
	if _, exists := r.byID[token.ID]; exists {
		return repository.ErrDuplicate
	}
	stored := cloneRefreshToken(token)
	r.byID[token.ID] = &stored
	r.byHash[token.TokenHash] = token.ID
	return nil
}

func (r *RefreshTokenRepository) GetByHash(_ context.Context, hash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := cloneRefreshToken(*r.byID[id])
	return &copied, nil
}

// MarkReplaced links a live head to its successor; anything else is a lost race.
func (r *RefreshTokenRepository) MarkReplaced(_ context.Context, id string, successorHash string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markReplaced(id, successorHash, usedAt)
}

// Rotate stores successor and supersedes the predecessor under one lock, so
// a failed step leaves the chain as it was.
func (r *RefreshTokenRepository) Rotate(_ context.Context, predecessorID string, successor domain.RefreshToken, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byID[predecessorID]
	if !ok {
		return repository.ErrNotFound
	}
	if token.ReplacedBy != nil || token.RevokedAt != nil {
		return repository.ErrConflict
	}
	if err := r.create(successor); err != nil {
		return err
	}
	return r.markReplaced(predecessorID, successor.TokenHash, usedAt)
}

func (r *RefreshTokenRepository) markReplaced(id string, successorHash string, usedAt time.Time) error {
	token, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if token.ReplacedBy != nil || token.RevokedAt != nil {
		return repository.ErrConflict
	}
	token.ReplacedBy = &successorHash
	token.LastUsedAt = timePtr(usedAt)
	return nil
}

func (r *RefreshTokenRepository) Revoke(_ context.Context, id string, reason domain.RevocationReason, ip *string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	revoke(token, reason, ip, at)
	return nil
}

func (r *RefreshTokenRepository) RevokeFamily(_ context.Context, familyID string, reason domain.RevocationReason, ip *string, at time.Time) (int, error) {
	return r.revokeWhere(func(t *domain.RefreshToken) bool { return t.FamilyID == familyID }, reason, ip, at), nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(_ context.Context, userID string, reason domain.RevocationReason, at time.Time) (int, error) {
	return r.revokeWhere(func(t *domain.RefreshToken) bool { return t.UserID == userID }, reason, nil, at), nil
}

// ListActiveByUser returns the live heads, newest first.
func (r *RefreshTokenRepository) ListActiveByUser(_ context.Context, userID string, at time.Time) ([]domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var heads []domain.RefreshToken
	for _, token := range r.byID {
		if token.UserID == userID && token.IsCurrent(at) {
			heads = append(heads, cloneRefreshToken(*token))
		}
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].CreatedAt.After(heads[j].CreatedAt)
	})
	return heads, nil
}

func (r *RefreshTokenRepository) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, token := range r.byID {
		if token.ExpiresAt.Before(before) {
			delete(r.byHash, token.TokenHash)
			delete(r.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *RefreshTokenRepository) revokeWhere(match func(*domain.RefreshToken) bool, reason domain.RevocationReason, ip *string, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	revoked := 0
	for _, token := range r.byID {
		if token.RevokedAt == nil && match(token) {
			revoke(token, reason, ip, at)
			revoked++
		}
	}
	return revoked
}

func revoke(token *domain.RefreshToken, reason domain.RevocationReason, ip *string, at time.Time) {
	if token.RevokedAt != nil {
		return
	}
	token.RevokedAt = timePtr(at)
	token.RevokeReason = &reason
	if ip != nil {
		addr := *ip
		token.RevokedIP = &addr
	}
}

func cloneRefreshToken(token domain.RefreshToken) domain.RefreshToken {
	if token.ReplacedBy != nil {
		next := *token.ReplacedBy
		token.ReplacedBy = &next
	}
	if token.RevokedIP != nil {
		ip := *token.RevokedIP
		token.RevokedIP = &ip
	}
	if token.RevokeReason != nil {
		reason := *token.RevokeReason
		token.RevokeReason = &reason
	}
	token.LastUsedAt = cloneTime(token.LastUsedAt)
	token.RevokedAt = cloneTime(token.RevokedAt)
	return token
}

// RevocationLedger records revoked access-token jtis in memory.
type RevocationLedger struct {
	mu      sync.RWMutex
	entries map[string]domain.RevokedToken
}

// NewRevocationLedger provisions an empty ledger.
func NewRevocationLedger() *RevocationLedger {
	return &RevocationLedger{entries: make(map[string]domain.RevokedToken)}
}

func (l *RevocationLedger) Revoke(_ context.Context, entry domain.RevokedToken) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[entry.JTI]; exists {
		return false, nil
	}
	l.entries[entry.JTI] = entry
	return true, nil
}

func (l *RevocationLedger) IsRevoked(_ context.Context, jti string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, exists := l.entries[jti]
	return exists, nil
}

func (l *RevocationLedger) PruneExpired(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for jti, entry := range l.entries {
		if entry.ExpiresAt.Before(before) {
			delete(l.entries, jti)
			pruned++
		}
	}
	return pruned, nil
}

var (
	_ port.RefreshTokenRepository = (*RefreshTokenRepository)(nil)
	_ port.RevocationLedger       = (*RevocationLedger)(nil)
)
