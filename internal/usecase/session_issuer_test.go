package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/infra/security"
	"github.com/arklim/workspace-auth/internal/repository"
)

type issuerFixture struct {
	clock   *fakeClock
	users   *fakeUserRepository
	refresh *fakeRefreshRepository
	tokens  *security.TokenManager
	events  *recordingPublisher
	metrics *recordingMetrics
	issuer  *SessionIssuer
}

func newIssuerFixture(t *testing.T, users ...domain.User) *issuerFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 250_000_000, time.UTC))
	f := &issuerFixture{
		clock:   clock,
		users:   newFakeUserRepository(users...),
		refresh: newFakeRefreshRepository(),
		tokens:  mustTokenManager(t, clock),
		events:  &recordingPublisher{},
		metrics: newRecordingMetrics(),
	}
	f.issuer = NewSessionIssuer(f.users, f.refresh, f.tokens, 7*24*time.Hour).
		WithLogger(zaptest.NewLogger(t)).
		WithEvents(f.events).
		WithMetrics(f.metrics).
		WithClock(clock.Now).
		WithSleeper(clock.Sleep)
	return f
}

var deviceReq = domain.RequestContext{
	IP:        "198.51.100.20",
	UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148",
}

func TestIssueSessionOpensNewChain(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))

	session, err := f.issuer.IssueSession(context.Background(), "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if session.AccessToken == "" || session.AccessTokenJTI == "" || session.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", session)
	}
	if session.User.PasswordHash != nil {
		t.Fatal("session user must be sanitized")
	}

	claims, err := f.tokens.Parse(session.AccessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.Subject != "u-1" || claims.JTI != session.AccessTokenJTI {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt); got != 15*time.Minute {
		t.Fatalf("expected 15m access lifetime, got %v", got)
	}

	stored := f.refresh.byValue(t, session.RefreshToken)
	if stored.TokenHash == session.RefreshToken {
		t.Fatal("refresh token must be stored hashed")
	}
	if stored.FamilyID != session.FamilyID || stored.ReplacedBy != nil || stored.RevokedAt != nil {
		t.Fatalf("unexpected stored token %+v", stored)
	}
	if stored.Device != domain.DeviceMobile || stored.CreatedIP != deviceReq.IP {
		t.Fatalf("device metadata not recorded: %+v", stored)
	}
	if !stored.ExpiresAt.Equal(f.clock.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("expected 7 day expiry, got %v", stored.ExpiresAt)
	}
}

func TestIssueSessionUnknownUser(t *testing.T) {
	f := newIssuerFixture(t)
	if _, err := f.issuer.IssueSession(context.Background(), "missing", deviceReq); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestIssueSessionChainsAreIndependent(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	first, err := f.issuer.IssueSession(context.Background(), "u-1", deviceReq)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := f.issuer.IssueSession(context.Background(), "u-1", deviceReq)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if first.FamilyID == second.FamilyID || first.AccessTokenJTI == second.AccessTokenJTI {
		t.Fatal("each login must open its own chain with its own jti")
	}
}

func TestRefreshSessionRotatesWithinChain(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	ctx := context.Background()

	initial, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	f.clock.Advance(5 * time.Minute)

	rotated, err := f.issuer.RefreshSession(ctx, initial.RefreshToken, deviceReq)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.FamilyID != initial.FamilyID {
		t.Fatalf("rotation must stay in chain %s, got %s", initial.FamilyID, rotated.FamilyID)
	}
	if rotated.RefreshToken == initial.RefreshToken || rotated.AccessTokenJTI == initial.AccessTokenJTI {
		t.Fatal("rotation must mint new credentials")
	}

	predecessor := f.refresh.byValue(t, initial.RefreshToken)
	successor := f.refresh.byValue(t, rotated.RefreshToken)
	if predecessor.ReplacedBy == nil || *predecessor.ReplacedBy != successor.TokenHash {
		t.Fatalf("predecessor must point at successor, got %v", predecessor.ReplacedBy)
	}
	if predecessor.LastUsedAt == nil || !predecessor.LastUsedAt.Equal(f.clock.Now()) {
		t.Fatalf("expected last used stamp, got %v", predecessor.LastUsedAt)
	}
	if f.metrics.rotated != 1 {
		t.Fatalf("expected rotation metric, got %d", f.metrics.rotated)
	}
}

func TestRefreshChainKeepsSingleLiveHead(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	ctx := context.Background()

	session, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Minute)
		session, err = f.issuer.RefreshSession(ctx, session.RefreshToken, deviceReq)
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}

		heads := 0
		for _, token := range f.refresh.family(session.FamilyID) {
			if token.ReplacedBy == nil {
				heads++
			}
		}
		if heads != 1 {
			t.Fatalf("rotation %d: expected exactly one live head, got %d", i, heads)
		}
	}
	if got := len(f.refresh.family(session.FamilyID)); got != 7 {
		t.Fatalf("expected 7 chain members, got %d", got)
	}
}

func TestRefreshReuseRevokesWholeChain(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	ctx := context.Background()

	a, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b, err := f.issuer.RefreshSession(ctx, a.RefreshToken, deviceReq)
	if err != nil {
		t.Fatalf("rotate a: %v", err)
	}
	c, err := f.issuer.RefreshSession(ctx, b.RefreshToken, deviceReq)
	if err != nil {
		t.Fatalf("rotate b: %v", err)
	}

	attacker := domain.RequestContext{IP: "192.0.2.99", UserAgent: "curl/8.0"}
	_, err = f.issuer.RefreshSession(ctx, b.RefreshToken, attacker)
	if !errors.Is(err, domain.ErrRefreshTokenReused) {
		t.Fatalf("expected reuse rejection, got %v", err)
	}
	if !domain.IsSecurityIncident(err) {
		t.Fatal("reuse rejection must carry the security incident flag")
	}

	for _, token := range f.refresh.family(a.FamilyID) {
		if token.RevokedAt == nil {
			t.Fatalf("token %s left unrevoked", token.ID)
		}
		if token.RevokeReason == nil || *token.RevokeReason != domain.RevocationReasonSecurityIncident {
			t.Fatalf("expected security_incident reason, got %v", token.RevokeReason)
		}
		if token.RevokedIP == nil || *token.RevokedIP != attacker.IP {
			t.Fatalf("expected triggering ip, got %v", token.RevokedIP)
		}
	}

	if _, err := f.issuer.RefreshSession(ctx, c.RefreshToken, deviceReq); !errors.Is(err, domain.ErrRefreshTokenRevoked) {
		t.Fatalf("expected revoked head, got %v", err)
	}
	if _, err := f.issuer.RefreshSession(ctx, a.RefreshToken, deviceReq); !errors.Is(err, domain.ErrRefreshTokenReused) {
		t.Fatalf("replaying the chain root must still be reuse, got %v", err)
	}
	if !f.events.has(domain.SecurityEventRefreshTokenReused) {
		t.Fatalf("expected reuse event, got %v", f.events.kinds())
	}
	if f.metrics.revoked[domain.RevocationReasonSecurityIncident] != 3 {
		t.Fatalf("expected 3 revoked chain members, got %v", f.metrics.revoked)
	}
}

func TestRefreshSessionRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
		if _, err := f.issuer.RefreshSession(ctx, "not-a-token", deviceReq); !errors.Is(err, domain.ErrInvalidRefreshToken) {
			t.Fatalf("expected invalid refresh token, got %v", err)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		f := newIssuerFixture(t)
		if _, err := f.issuer.RefreshSession(ctx, "  ", deviceReq); !errors.Is(err, domain.ErrInvalidRefreshToken) {
			t.Fatalf("expected invalid refresh token, got %v", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
		session, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		f.clock.Advance(7*24*time.Hour + time.Second)
		if _, err := f.issuer.RefreshSession(ctx, session.RefreshToken, deviceReq); !errors.Is(err, domain.ErrRefreshTokenExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
		session, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		stored := f.refresh.byValue(t, session.RefreshToken)
		if err := f.refresh.Revoke(ctx, stored.ID, domain.RevocationReasonLogout, nil, f.clock.Now()); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		_, err = f.issuer.RefreshSession(ctx, session.RefreshToken, deviceReq)
		if !errors.Is(err, domain.ErrRefreshTokenRevoked) {
			t.Fatalf("expected revoked, got %v", err)
		}
		if domain.IsSecurityIncident(err) {
			t.Fatal("plain revocation is not a security incident")
		}
	})
}

func TestRefreshSessionLostRaceIsTreatedAsReuse(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	ctx := context.Background()

	session, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.refresh.rotateErr = repository.ErrConflict

	_, err = f.issuer.RefreshSession(ctx, session.RefreshToken, deviceReq)
	if !errors.Is(err, domain.ErrRefreshTokenReused) {
		t.Fatalf("expected reuse rejection, got %v", err)
	}
	for _, token := range f.refresh.family(session.FamilyID) {
		if token.RevokedAt == nil {
			t.Fatalf("token %s must be revoked after a lost rotation race", token.ID)
		}
	}
}

func TestRefreshSessionStoreFailureKeepsSingleLiveHead(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	ctx := context.Background()

	session, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	storeErr := errors.New("connection reset by peer")
	f.refresh.rotateErr = storeErr

	_, err = f.issuer.RefreshSession(ctx, session.RefreshToken, deviceReq)
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, ok := domain.AsRejection(err); ok {
		t.Fatalf("store failure must not be a rejection: %v", err)
	}

	live := 0
	for _, token := range f.refresh.family(session.FamilyID) {
		if token.State() == domain.RefreshTokenStateActive {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live head, got %d", live)
	}

	f.refresh.rotateErr = nil
	if _, err := f.issuer.RefreshSession(ctx, session.RefreshToken, deviceReq); err != nil {
		t.Fatalf("retry after store failure: %v", err)
	}
}

func TestRefreshReuseFailsWhenChainCannotBeRevoked(t *testing.T) {
	f := newIssuerFixture(t, localUser("u-1", "ada@example.com", "pw"))
	ctx := context.Background()

	a, err := f.issuer.IssueSession(ctx, "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.issuer.RefreshSession(ctx, a.RefreshToken, deviceReq); err != nil {
		t.Fatalf("rotate a: %v", err)
	}

	storeErr := errors.New("connection reset by peer")
	f.refresh.revokeFamilyErr = storeErr

	_, err = f.issuer.RefreshSession(ctx, a.RefreshToken, deviceReq)
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if errors.Is(err, domain.ErrRefreshTokenReused) || domain.IsSecurityIncident(err) {
		t.Fatalf("an unrevoked chain must not be reported as handled reuse: %v", err)
	}
	if f.events.has(domain.SecurityEventRefreshTokenReused) {
		t.Fatalf("no reuse event expected before the chain is revoked, got %v", f.events.kinds())
	}
}

func TestMintWaitsForFutureWatermark(t *testing.T) {
	user := localUser("u-1", "ada@example.com", "pw")
	f := newIssuerFixture(t, user)
	watermark := nextWatermark(f.clock.Now())
	if err := f.users.SetTokensValidAfter(context.Background(), "u-1", watermark); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	session, err := f.issuer.IssueSession(context.Background(), "u-1", deviceReq)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := f.tokens.Parse(session.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.IssuedAt.Before(watermark) {
		t.Fatalf("token issued at %v predates watermark %v", claims.IssuedAt, watermark)
	}
	if f.clock.Now().Before(watermark) {
		t.Fatalf("issuer must wait until the watermark, clock at %v", f.clock.Now())
	}
}
