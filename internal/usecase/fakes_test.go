package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/config"
	"github.com/arklim/workspace-auth/internal/infra/security"
	"github.com/arklim/workspace-auth/internal/repository"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the clock instead of blocking.
func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	if d > 0 {
		c.Advance(d)
	}
	return nil
}

// fakeUserRepository emulates the single-statement lockout update by holding
// a mutex around the read-modify-write.
type fakeUserRepository struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	getErr    error
	createErr error
	// beforeReset runs under the lock ahead of ResetFailedLogins, standing in
	// for a writer that lands between the password check and the reset.
	beforeReset func(*domain.User)
}

func newFakeUserRepository(users ...domain.User) *fakeUserRepository {
	repo := &fakeUserRepository{users: make(map[string]*domain.User)}
	for i := range users {
		u := users[i]
		repo.users[u.ID] = &u
	}
	return repo
}

func (r *fakeUserRepository) Create(_ context.Context, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrDuplicate
		}
	}
	r.users[user.ID] = &user
	return nil
}

func (r *fakeUserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *fakeUserRepository) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepository) RegisterFailedLogin(_ context.Context, id string, at time.Time, threshold int, window time.Duration) (domain.LockoutState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.LockoutState{}, repository.ErrNotFound
	}
	if u.LockUntil != nil && u.LockUntil.After(at) {
		return domain.LockoutState{FailedAttempts: u.FailedLoginAttempts, LockUntil: u.LockUntil, Locked: true}, nil
	}
	if u.LockUntil != nil {
		u.FailedLoginAttempts = 1
		u.LockUntil = nil
	} else {
		u.FailedLoginAttempts++
	}
	state := domain.LockoutState{FailedAttempts: u.FailedLoginAttempts}
	if u.FailedLoginAttempts >= threshold {
		lockUntil := at.Add(window)
		u.LockUntil = &lockUntil
		state.LockUntil = &lockUntil
		state.JustLocked = true
	}
	return state, nil
}

func (r *fakeUserRepository) ResetFailedLogins(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.beforeReset != nil {
		r.beforeReset(u)
	}
	if u.IsLocked(at) {
		return repository.ErrConflict
	}
	u.FailedLoginAttempts = 0
	u.LockUntil = nil
	u.LastLoginAt = &at
	return nil
}

func (r *fakeUserRepository) Unlock(_ context.Context, id string) error {
	return r.mutate(id, func(u *domain.User) {
		u.FailedLoginAttempts = 0
		u.LockUntil = nil
	})
}

func (r *fakeUserRepository) UpdatePassword(_ context.Context, id string, hash string, changedAt time.Time) error {
	return r.mutate(id, func(u *domain.User) {
		u.PasswordHash = &hash
		u.PasswordChangedAt = &changedAt
	})
}

func (r *fakeUserRepository) SetTokensValidAfter(_ context.Context, id string, watermark time.Time) error {
	return r.mutate(id, func(u *domain.User) {
		if u.TokensValidAfter == nil || watermark.After(*u.TokensValidAfter) {
			u.TokensValidAfter = &watermark
		}
	})
}

func (r *fakeUserRepository) mutate(id string, fn func(*domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(u)
	return nil
}

func (r *fakeUserRepository) get(t *testing.T, id string) domain.User {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		t.Fatalf("user %s not found", id)
	}
	return *u
}

type fakeAttemptRepository struct {
	mu       sync.Mutex
	attempts []domain.LoginAttempt
}

func (r *fakeAttemptRepository) Record(_ context.Context, attempt domain.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *fakeAttemptRepository) ListRecentByEmail(_ context.Context, email string, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	return r.filter(func(a domain.LoginAttempt) bool { return a.Email == email && !a.CreatedAt.Before(since) }, limit), nil
}

func (r *fakeAttemptRepository) ListRecentByIP(_ context.Context, ip string, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	return r.filter(func(a domain.LoginAttempt) bool { return a.IP == ip && !a.CreatedAt.Before(since) }, limit), nil
}

func (r *fakeAttemptRepository) CountFailuresByIP(_ context.Context, ip string, since time.Time) (int, error) {
	matched := r.filter(func(a domain.LoginAttempt) bool {
		return a.IP == ip && a.Outcome == domain.LoginOutcomeFailure && !a.CreatedAt.Before(since)
	}, 0)
	return len(matched), nil
}

func (r *fakeAttemptRepository) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.attempts[:0]
	pruned := 0
	for _, a := range r.attempts {
		if a.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, a)
	}
	r.attempts = kept
	return pruned, nil
}

func (r *fakeAttemptRepository) filter(keep func(domain.LoginAttempt) bool, limit int) []domain.LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LoginAttempt
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if keep(r.attempts[i]) {
			out = append(out, r.attempts[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *fakeAttemptRepository) countReason(reason domain.LoginFailureReason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.FailureReason != nil && *a.FailureReason == reason {
			n++
		}
	}
	return n
}

func (r *fakeAttemptRepository) all() []domain.LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LoginAttempt(nil), r.attempts...)
}

type fakeRefreshRepository struct {
	mu              sync.Mutex
	tokens          map[string]*domain.RefreshToken
	rotateErr       error
	revokeFamilyErr error
}

func newFakeRefreshRepository() *fakeRefreshRepository {
	return &fakeRefreshRepository{tokens: make(map[string]*domain.RefreshToken)}
}

func (r *fakeRefreshRepository) Create(_ context.Context, token domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tokens {
		if existing.TokenHash == token.TokenHash {
			return repository.ErrDuplicate
		}
	}
	r.tokens[token.ID] = &token
	return nil
}

func (r *fakeRefreshRepository) GetByHash(_ context.Context, hash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, token := range r.tokens {
		if token.TokenHash == hash {
			copied := *token
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

// Rotate writes nothing when rotateErr is set, like a rolled back transaction.
func (r *fakeRefreshRepository) Rotate(_ context.Context, predecessorID string, successor domain.RefreshToken, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rotateErr != nil {
		return r.rotateErr
	}
	token, ok := r.tokens[predecessorID]
	if !ok || token.ReplacedBy != nil || token.RevokedAt != nil {
		return repository.ErrConflict
	}
	for _, existing := range r.tokens {
		if existing.TokenHash == successor.TokenHash {
			return repository.ErrDuplicate
		}
	}
	hash := successor.TokenHash
	r.tokens[successor.ID] = &successor
	token.ReplacedBy = &hash
	token.LastUsedAt = &usedAt
	return nil
}

func (r *fakeRefreshRepository) Revoke(_ context.Context, id string, reason domain.RevocationReason, ip *string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	if token.RevokedAt == nil {
		revoke(token, reason, ip, at)
	}
	return nil
}

func (r *fakeRefreshRepository) RevokeFamily(_ context.Context, familyID string, reason domain.RevocationReason, ip *string, at time.Time) (int, error) {
	if r.revokeFamilyErr != nil {
		return 0, r.revokeFamilyErr
	}
	return r.revokeWhere(func(t *domain.RefreshToken) bool { return t.FamilyID == familyID }, reason, ip, at), nil
}

func (r *fakeRefreshRepository) RevokeAllForUser(_ context.Context, userID string, reason domain.RevocationReason, at time.Time) (int, error) {
	return r.revokeWhere(func(t *domain.RefreshToken) bool { return t.UserID == userID }, reason, nil, at), nil
}

func (r *fakeRefreshRepository) revokeWhere(match func(*domain.RefreshToken) bool, reason domain.RevocationReason, ip *string, at time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, token := range r.tokens {
		if match(token) && token.RevokedAt == nil {
			revoke(token, reason, ip, at)
			n++
		}
	}
	return n
}

func revoke(token *domain.RefreshToken, reason domain.RevocationReason, ip *string, at time.Time) {
	token.RevokedAt = &at
	token.RevokeReason = &reason
	token.RevokedIP = ip
}

func (r *fakeRefreshRepository) ListActiveByUser(_ context.Context, userID string, at time.Time) ([]domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RefreshToken
	for _, token := range r.tokens {
		if token.UserID == userID && token.IsCurrent(at) {
			out = append(out, *token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRefreshRepository) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, token := range r.tokens {
		if token.ExpiresAt.Before(before) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRefreshRepository) family(familyID string) []domain.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RefreshToken
	for _, token := range r.tokens {
		if token.FamilyID == familyID {
			out = append(out, *token)
		}
	}
	return out
}

func (r *fakeRefreshRepository) byValue(t *testing.T, value string) domain.RefreshToken {
	t.Helper()
	token, err := r.GetByHash(context.Background(), security.HashToken(value))
	if err != nil {
		t.Fatalf("refresh token not stored: %v", err)
	}
	return *token
}

type fakeLedger struct {
	mu         sync.Mutex
	entries    map[string]domain.RevokedToken
	isRevoked  error
	revokeErr  error
	lookupHits atomic.Int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]domain.RevokedToken)}
}

func (l *fakeLedger) Revoke(_ context.Context, entry domain.RevokedToken) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revokeErr != nil {
		return false, l.revokeErr
	}
	if _, ok := l.entries[entry.JTI]; ok {
		return false, nil
	}
	l.entries[entry.JTI] = entry
	return true, nil
}

func (l *fakeLedger) IsRevoked(_ context.Context, jti string) (bool, error) {
	l.lookupHits.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isRevoked != nil {
		return false, l.isRevoked
	}
	_, ok := l.entries[jti]
	return ok, nil
}

func (l *fakeLedger) PruneExpired(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for jti, entry := range l.entries {
		if entry.ExpiresAt.Before(before) {
			delete(l.entries, jti)
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type fakeRevocationCache struct {
	mu      sync.Mutex
	revoked map[string]time.Duration
	err     error
}

func newFakeRevocationCache() *fakeRevocationCache {
	return &fakeRevocationCache{revoked: make(map[string]time.Duration)}
}

func (c *fakeRevocationCache) MarkRevoked(_ context.Context, jti string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if ttl > 0 {
		c.revoked[jti] = ttl
	}
	return nil
}

func (c *fakeRevocationCache) IsRevoked(_ context.Context, jti string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	_, ok := c.revoked[jti]
	return ok, nil
}

// countingHasher stands in for bcrypt and counts comparisons.
type countingHasher struct {
	verifyCalls atomic.Int64
}

func (h *countingHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	return "hash:" + password, nil
}

func (h *countingHasher) Verify(password, encoded string) (bool, error) {
	h.verifyCalls.Add(1)
	return encoded == "hash:"+password, nil
}

func (h *countingHasher) DummyHash() string {
	return "dummy:unmatchable"
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
	err    error
}

func (p *recordingPublisher) PublishSecurityEvent(_ context.Context, event domain.SecurityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) kinds() []domain.SecurityEventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SecurityEventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func (p *recordingPublisher) has(kind domain.SecurityEventKind) bool {
	for _, k := range p.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type recordingMetrics struct {
	mu          sync.Mutex
	logins      map[string]int
	locked      int
	rotated     int
	rejected    map[domain.RejectionReason]int
	validations map[string]int
	fallbacks   int
	revoked     map[domain.RevocationReason]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		logins:      make(map[string]int),
		rejected:    make(map[domain.RejectionReason]int),
		validations: make(map[string]int),
		revoked:     make(map[domain.RevocationReason]int),
	}
}

func (m *recordingMetrics) LoginAttempt(outcome domain.LoginOutcome, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[string(outcome)+":"+reason]++
}

func (m *recordingMetrics) AccountLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked++
}

func (m *recordingMetrics) RefreshRotated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotated++
}

func (m *recordingMetrics) RefreshRejected(reason domain.RejectionReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *recordingMetrics) TokenValidation(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validations[result]++
}

func (m *recordingMetrics) RevocationCacheFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks++
}

func (m *recordingMetrics) SessionsRevoked(reason domain.RevocationReason, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[reason] += count
}

var (
	_ port.UserRepository         = (*fakeUserRepository)(nil)
	_ port.LoginAttemptRepository = (*fakeAttemptRepository)(nil)
	_ port.RefreshTokenRepository = (*fakeRefreshRepository)(nil)
	_ port.RevocationLedger       = (*fakeLedger)(nil)
	_ port.RevocationCache        = (*fakeRevocationCache)(nil)
	_ port.PasswordHasher         = (*countingHasher)(nil)
	_ port.EventPublisher         = (*recordingPublisher)(nil)
	_ port.AuthMetrics            = (*recordingMetrics)(nil)
)

func ptr[T any](v T) *T {
	return &v
}

func mustTokenManager(t *testing.T, clock *fakeClock) *security.TokenManager {
	t.Helper()
	manager, err := security.NewTokenManager(testSecret, "workspace-auth", 15*time.Minute)
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	return manager.WithClock(clock.Now)
}

func localUser(id, email, password string) domain.User {
	hash := "hash:" + password
	return domain.User{
		ID:           id,
		Email:        email,
		PasswordHash: &hash,
		AuthProvider: "local",
		Role:         domain.RoleStandard,
	}
}

func configAuth(threshold int, window, delayMin, delayMax time.Duration) config.AuthSettings {
	return config.AuthSettings{
		LockoutThreshold: threshold,
		LockoutWindow:    window,
		LoginDelayMin:    delayMin,
		LoginDelayMax:    delayMax,
	}
}
