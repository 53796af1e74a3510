package usecase

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/infra/security"
)

// authHarness wires every service over shared in-memory stores.
type authHarness struct {
	clock        *fakeClock
	users        *fakeUserRepository
	attempts     *fakeAttemptRepository
	refresh      *fakeRefreshRepository
	ledger       *fakeLedger
	cache        *fakeRevocationCache
	hasher       *countingHasher
	tokens       *security.TokenManager
	events       *recordingPublisher
	metrics      *recordingMetrics
	guard        *LoginGuard
	issuer       *SessionIssuer
	validator    *SessionValidator
	revocation   *RevocationService
	registration *RegistrationService
}

func newAuthHarness(t *testing.T, users ...domain.User) *authHarness {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 400_000_000, time.UTC))
	log := zaptest.NewLogger(t)
	h := &authHarness{
		clock:    clock,
		users:    newFakeUserRepository(users...),
		attempts: &fakeAttemptRepository{},
		refresh:  newFakeRefreshRepository(),
		ledger:   newFakeLedger(),
		cache:    newFakeRevocationCache(),
		hasher:   &countingHasher{},
		tokens:   mustTokenManager(t, clock),
		events:   &recordingPublisher{},
		metrics:  newRecordingMetrics(),
	}

	h.guard = NewLoginGuard(h.users, h.attempts, h.hasher, DefaultLoginPolicy()).
		WithLogger(log).WithEvents(h.events).WithMetrics(h.metrics).
		WithClock(clock.Now).WithSleeper(clock.Sleep)
	h.issuer = NewSessionIssuer(h.users, h.refresh, h.tokens, 7*24*time.Hour).
		WithLogger(log).WithEvents(h.events).WithMetrics(h.metrics).
		WithClock(clock.Now).WithSleeper(clock.Sleep)
	h.validator = NewSessionValidator(h.tokens, h.users, h.ledger, h.cache).
		WithLogger(log).WithEvents(h.events).WithMetrics(h.metrics)
	h.revocation = NewRevocationService(h.users, h.refresh, h.ledger, h.cache, h.tokens, h.hasher, h.issuer).
		WithLogger(log).WithEvents(h.events).WithMetrics(h.metrics).
		WithClock(clock.Now)
	h.registration = NewRegistrationService(h.users, h.hasher, []string{"example.com"}, 8).
		WithLogger(log).WithClock(clock.Now)
	return h
}
