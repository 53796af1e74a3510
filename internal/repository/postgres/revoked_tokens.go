package postgres

import (
	"context"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
)

const revokedTokensTable = "auth.revoked_tokens"

// RevocationLedger implements port.RevocationLedger backed by PostgreSQL.
type RevocationLedger struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewRevocationLedger constructs the ledger.
func NewRevocationLedger(exec pgExecutor) *RevocationLedger {
	return &RevocationLedger{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Revoke inserts the entry. A duplicate jti is left untouched and reported as not inserted.
func (l *RevocationLedger) Revoke(ctx context.Context, entry domain.RevokedToken) (bool, error) {
	stmt, args, err := l.builder.Insert(revokedTokensTable).
		Columns(
			"jti",
			"user_id",
			"reason",
			"revoked_ip",
			"issued_at",
			"expires_at",
			"revoked_at",
		).
		Values(
			entry.JTI,
			entry.UserID,
			string(entry.Reason),
			optionalString(entry.RevokedIP),
			entry.IssuedAt.UTC(),
			entry.ExpiresAt.UTC(),
			entry.RevokedAt.UTC(),
		).
		Suffix("ON CONFLICT (jti) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert revoked token sql: %w", err)
	}

	tag, err := l.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("insert revoked token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsRevoked reports whether the jti has a ledger entry.
func (l *RevocationLedger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	if err := l.exec.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM auth.revoked_tokens WHERE jti = $1)", jti).Scan(&exists); err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// PruneExpired deletes entries whose original token has expired.
func (l *RevocationLedger) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	stmt, args, err := l.builder.Delete(revokedTokensTable).
		Where(squirrel.Lt{"expires_at": before.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune revoked tokens sql: %w", err)
	}

	tag, err := l.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("prune revoked tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ port.RevocationLedger = (*RevocationLedger)(nil)
