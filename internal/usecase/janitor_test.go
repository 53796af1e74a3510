package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/workspace-auth/internal/core/domain"
)

func TestJanitorRunOncePrunesExpiredRows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	ledger := newFakeLedger()
	_, _ = ledger.Revoke(ctx, domain.RevokedToken{JTI: "old", ExpiresAt: now.Add(-time.Minute)})
	_, _ = ledger.Revoke(ctx, domain.RevokedToken{JTI: "live", ExpiresAt: now.Add(time.Minute)})

	attempts := &fakeAttemptRepository{}
	_ = attempts.Record(ctx, domain.LoginAttempt{Email: "a@example.com", CreatedAt: now.Add(-31 * 24 * time.Hour)})
	_ = attempts.Record(ctx, domain.LoginAttempt{Email: "a@example.com", CreatedAt: now.Add(-time.Hour)})

	refresh := newFakeRefreshRepository()
	_ = refresh.Create(ctx, domain.RefreshToken{ID: "r-old", TokenHash: "h1", ExpiresAt: now.Add(-8 * 24 * time.Hour)})
	_ = refresh.Create(ctx, domain.RefreshToken{ID: "r-recent", TokenHash: "h2", ExpiresAt: now.Add(-time.Hour)})

	janitor := NewJanitor(ledger, attempts, refresh, time.Minute, 30*24*time.Hour, 7*24*time.Hour).
		WithLogger(zaptest.NewLogger(t)).
		WithClock(func() time.Time { return now })

	report := janitor.RunOnce(ctx)
	if report != (JanitorReport{RevokedTokens: 1, LoginAttempts: 1, RefreshTokens: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if ledger.size() != 1 || len(attempts.all()) != 1 || len(refresh.tokens) != 1 {
		t.Fatal("expected one surviving row per table")
	}
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	janitor := NewJanitor(newFakeLedger(), &fakeAttemptRepository{}, newFakeRefreshRepository(), time.Millisecond, 0, 0)

	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
