package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/infra/security"
)

type validatorFixture struct {
	clock     *fakeClock
	users     *fakeUserRepository
	ledger    *fakeLedger
	cache     *fakeRevocationCache
	tokens    *security.TokenManager
	events    *recordingPublisher
	metrics   *recordingMetrics
	validator *SessionValidator
}

func newValidatorFixture(t *testing.T, users ...domain.User) *validatorFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	f := &validatorFixture{
		clock:   clock,
		users:   newFakeUserRepository(users...),
		ledger:  newFakeLedger(),
		cache:   newFakeRevocationCache(),
		tokens:  mustTokenManager(t, clock),
		events:  &recordingPublisher{},
		metrics: newRecordingMetrics(),
	}
	f.validator = NewSessionValidator(f.tokens, f.users, f.ledger, f.cache).
		WithLogger(zaptest.NewLogger(t)).
		WithEvents(f.events).
		WithMetrics(f.metrics)
	return f
}

func (f *validatorFixture) issue(t *testing.T, subject string, at time.Time) (string, domain.AccessTokenClaims) {
	t.Helper()
	token, claims, err := f.tokens.Issue(subject, at)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token, claims
}

// tamperSignature flips the first signature character, which always carries
// six significant bits.
func tamperSignature(token string) string {
	idx := strings.LastIndex(token, ".") + 1
	replacement := byte('A')
	if token[idx] == 'A' {
		replacement = 'B'
	}
	return token[:idx] + string(replacement) + token[idx+1:]
}

func bearer(token string) TokenSources {
	return TokenSources{Authorization: "Bearer " + token}
}

func TestTokenSourcesPreferBearerHeader(t *testing.T) {
	cases := []struct {
		name    string
		sources TokenSources
		want    string
	}{
		{name: "header only", sources: TokenSources{Authorization: "Bearer abc"}, want: "abc"},
		{name: "lowercase scheme", sources: TokenSources{Authorization: "bearer abc"}, want: "abc"},
		{name: "header wins over cookie", sources: TokenSources{Authorization: "Bearer abc", Cookie: "xyz"}, want: "abc"},
		{name: "cookie fallback", sources: TokenSources{Cookie: " xyz "}, want: "xyz"},
		{name: "non-bearer header falls back", sources: TokenSources{Authorization: "Basic dXNlcjpwdw==", Cookie: "xyz"}, want: "xyz"},
		{name: "empty bearer falls back", sources: TokenSources{Authorization: "Bearer   ", Cookie: "xyz"}, want: "xyz"},
		{name: "nothing", sources: TokenSources{}, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sources.Token(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestValidateRequestAcceptsValidToken(t *testing.T) {
	f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
	token, claims := f.issue(t, "u-1", f.clock.Now())

	principal, err := f.validator.ValidateRequest(context.Background(), TokenSources{Cookie: token}, testReqCtx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if principal.User.ID != "u-1" || principal.Claims.JTI != claims.JTI {
		t.Fatalf("unexpected principal %+v", principal)
	}
	if principal.User.PasswordHash != nil {
		t.Fatal("principal must be sanitized")
	}
	if f.metrics.validations["valid"] != 1 {
		t.Fatalf("expected valid metric, got %v", f.metrics.validations)
	}
}

func TestValidateRequestRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("no token", func(t *testing.T) {
		f := newValidatorFixture(t)
		if _, err := f.validator.ValidateRequest(ctx, TokenSources{}, testReqCtx); !errors.Is(err, domain.ErrNoToken) {
			t.Fatalf("expected no token, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		token, _ := f.issue(t, "u-1", f.clock.Now())
		f.clock.Advance(16 * time.Minute)
		if _, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx); !errors.Is(err, domain.ErrTokenExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
		if len(f.events.kinds()) != 0 {
			t.Fatalf("expiry is not a security event, got %v", f.events.kinds())
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		token, _ := f.issue(t, "u-1", f.clock.Now())
		tampered := tamperSignature(token)
		if _, err := f.validator.ValidateRequest(ctx, bearer(tampered), testReqCtx); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("expected invalid token, got %v", err)
		}
		if !f.events.has(domain.SecurityEventInvalidTokenSignature) {
			t.Fatalf("expected signature event, got %v", f.events.kinds())
		}
	})

	t.Run("foreign algorithm", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		claims := jwt.RegisteredClaims{
			Subject:   "u-1",
			ID:        "jti-hs512",
			Issuer:    "workspace-auth",
			IssuedAt:  jwt.NewNumericDate(f.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Minute)),
		}
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := f.validator.ValidateRequest(ctx, bearer(forged), testReqCtx); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("expected invalid token, got %v", err)
		}
	})

	t.Run("deleted user", func(t *testing.T) {
		f := newValidatorFixture(t)
		token, _ := f.issue(t, "u-gone", f.clock.Now())
		if _, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx); !errors.Is(err, domain.ErrUserNotFound) {
			t.Fatalf("expected user not found, got %v", err)
		}
	})
}

func TestValidateRequestRevokedJTI(t *testing.T) {
	ctx := context.Background()

	t.Run("ledger hit", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		token, claims := f.issue(t, "u-1", f.clock.Now())
		if _, err := f.ledger.Revoke(ctx, domain.RevokedToken{JTI: claims.JTI, UserID: "u-1", Reason: domain.RevocationReasonLogout, ExpiresAt: claims.ExpiresAt}); err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
		if _, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx); !errors.Is(err, domain.ErrTokenRevoked) {
			t.Fatalf("expected revoked, got %v", err)
		}
		if !f.events.has(domain.SecurityEventRevokedTokenPresented) {
			t.Fatalf("expected revoked token event, got %v", f.events.kinds())
		}
	})

	t.Run("cache hit skips ledger", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		token, claims := f.issue(t, "u-1", f.clock.Now())
		if err := f.cache.MarkRevoked(ctx, claims.JTI, time.Minute); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
		if _, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx); !errors.Is(err, domain.ErrTokenRevoked) {
			t.Fatalf("expected revoked, got %v", err)
		}
		if f.ledger.lookupHits.Load() != 0 {
			t.Fatalf("cache hit must not reach the ledger, got %d lookups", f.ledger.lookupHits.Load())
		}
	})

	t.Run("cache failure falls back to ledger", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		token, claims := f.issue(t, "u-1", f.clock.Now())
		if _, err := f.ledger.Revoke(ctx, domain.RevokedToken{JTI: claims.JTI, UserID: "u-1", Reason: domain.RevocationReasonLogout}); err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
		f.cache.err = errors.New("redis: connection refused")
		if _, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx); !errors.Is(err, domain.ErrTokenRevoked) {
			t.Fatalf("expected revoked, got %v", err)
		}
		if f.metrics.fallbacks != 1 {
			t.Fatalf("expected fallback metric, got %d", f.metrics.fallbacks)
		}
	})

	t.Run("ledger failure denies", func(t *testing.T) {
		f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))
		token, _ := f.issue(t, "u-1", f.clock.Now())
		f.cache.err = errors.New("redis: connection refused")
		f.ledger.isRevoked = errors.New("postgres: connection refused")
		principal, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx)
		if err == nil || principal != nil {
			t.Fatal("an unavailable ledger must deny the request")
		}
		if _, ok := domain.AsRejection(err); ok {
			t.Fatalf("store failure must surface as an infrastructure error, got %v", err)
		}
	})
}

func TestValidateRequestWatermark(t *testing.T) {
	ctx := context.Background()
	user := localUser("u-1", "ada@example.com", "pw")
	f := newValidatorFixture(t, user)

	before, _ := f.issue(t, "u-1", f.clock.Now())
	f.clock.Advance(1500 * time.Millisecond)
	watermark := time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC)
	if err := f.users.SetTokensValidAfter(ctx, "u-1", watermark); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	after, _ := f.issue(t, "u-1", watermark)

	_, err := f.validator.ValidateRequest(ctx, bearer(before), testReqCtx)
	if !errors.Is(err, domain.ErrTokenInvalidated) {
		t.Fatalf("expected invalidated, got %v", err)
	}
	rej, _ := domain.AsRejection(err)
	if rej.Detail != "sessions_revoked" {
		t.Fatalf("expected sessions_revoked detail, got %q", rej.Detail)
	}
	if !f.events.has(domain.SecurityEventTokenInvalidated) {
		t.Fatalf("expected invalidation event, got %v", f.events.kinds())
	}

	if _, err := f.validator.ValidateRequest(ctx, bearer(after), testReqCtx); err != nil {
		t.Fatalf("token issued at the watermark must pass, got %v", err)
	}
}

func TestValidateRequestWatermarkAfterPasswordChange(t *testing.T) {
	ctx := context.Background()
	f := newValidatorFixture(t, localUser("u-1", "ada@example.com", "pw"))

	token, _ := f.issue(t, "u-1", f.clock.Now())
	changedAt := f.clock.Now().Add(300 * time.Millisecond)
	if err := f.users.UpdatePassword(ctx, "u-1", "hash:new", changedAt); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if err := f.users.SetTokensValidAfter(ctx, "u-1", nextWatermark(changedAt)); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	_, err := f.validator.ValidateRequest(ctx, bearer(token), testReqCtx)
	if !errors.Is(err, domain.ErrTokenInvalidated) {
		t.Fatalf("expected invalidated, got %v", err)
	}
	if err.Error() != "token invalidated, reason: password_changed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
