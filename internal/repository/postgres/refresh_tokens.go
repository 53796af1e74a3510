package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/repository"
)

const refreshTokensTable = "auth.refresh_tokens"

var refreshTokenColumns = []string{
	"id",
	"token_hash",
	"user_id",
	"family_id",
	"replaced_by",
	"last_used_at",
	"created_ip",
	"user_agent",
	"device",
	"created_at",
	"expires_at",
	"revoked_at",
	"revoked_ip",
	"revoke_reason",
}

// RefreshTokenRepository implements port.RefreshTokenRepository backed by PostgreSQL.
type RefreshTokenRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewRefreshTokenRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewRefreshTokenRepository(exec pgExecutor) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance that executes statements within the supplied transaction.
func (r *RefreshTokenRepository) WithTx(tx pgx.Tx) *RefreshTokenRepository {
	if tx == nil {
		return r
	}
	return &RefreshTokenRepository{exec: tx, builder: r.builder}
}

// Create persists a new chain member.
func (r *RefreshTokenRepository) Create(ctx context.Context, token domain.RefreshToken) error {
	device := token.Device
	if device == "" {
		device = domain.DeviceUnknown
	}

	stmt, args, err := r.builder.Insert(refreshTokensTable).
		Columns(
			"id",
			"token_hash",
			"user_id",
			"family_id",
			"created_ip",
			"user_agent",
			"device",
			"created_at",
			"expires_at",
		).
		Values(
			token.ID,
			token.TokenHash,
			token.UserID,
			token.FamilyID,
			token.CreatedIP,
			token.UserAgent,
			string(device),
			token.CreatedAt.UTC(),
			token.ExpiresAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert refresh token sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// GetByHash looks up a token by the SHA-256 hash of its value.
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	stmt, args, err := r.builder.
		Select(refreshTokenColumns...).
		From(refreshTokensTable).
		Where(squirrel.Eq{"token_hash": hash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select refresh token sql: %w", err)
	}

	token, err := scanRefreshToken(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, wrapScanErr("scan refresh token", err)
	}
	return token, nil
}

// MarkReplaced sets the successor pointer only while the row is still the live
// head of its chain. Losing that race returns repository.ErrConflict.
func (r *RefreshTokenRepository) MarkReplaced(ctx context.Context, id string, successorHash string, usedAt time.Time) error {
	stmt, args, err := r.builder.Update(refreshTokensTable).
		Set("replaced_by", successorHash).
		Set("last_used_at", usedAt.UTC()).
		Where(squirrel.Eq{"id": id}).
		Where("replaced_by IS NULL").
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark refresh token replaced sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("mark refresh token replaced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Rotate stores successor and supersedes the predecessor in one transaction.
// When the predecessor is no longer the live head nothing is written and
// repository.ErrConflict is returned.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, predecessorID string, successor domain.RefreshToken, usedAt time.Time) error {
	tx, err := r.exec.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotate refresh token: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txRepo := r.WithTx(tx)
	if err := txRepo.Create(ctx, successor); err != nil {
		return err
	}
	if err := txRepo.MarkReplaced(ctx, predecessorID, successor.TokenHash, usedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rotate refresh token: %w", err)
	}
	return nil
}

// Revoke flags a single token. Revoking an already revoked token is a no-op.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string, reason domain.RevocationReason, ip *string, at time.Time) error {
	stmt, args, err := r.builder.Update(refreshTokensTable).
		Set("revoked_at", at.UTC()).
		Set("revoked_ip", optionalString(ip)).
		Set("revoke_reason", string(reason)).
		Where(squirrel.Eq{"id": id}).
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build revoke refresh token sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeFamily revokes every unrevoked token sharing familyID, regardless of expiry.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string, reason domain.RevocationReason, ip *string, at time.Time) (int, error) {
	stmt := `
		WITH updated AS (
			UPDATE auth.refresh_tokens
			   SET revoked_at = $2,
			       revoked_ip = $3,
			       revoke_reason = $4
			 WHERE family_id = $1
			   AND revoked_at IS NULL
			 RETURNING 1
		)
		SELECT count(*) FROM updated`

	var count int
	if err := r.exec.QueryRow(ctx, stmt, familyID, at.UTC(), optionalString(ip), string(reason)).Scan(&count); err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	return count, nil
}

// RevokeAllForUser revokes every unrevoked token the user owns across all chains.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, reason domain.RevocationReason, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update(refreshTokensTable).
		Set("revoked_at", at.UTC()).
		Set("revoke_reason", string(reason)).
		Where(squirrel.Eq{"user_id": userID}).
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build revoke user refresh tokens sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListActiveByUser returns the live head of every unexpired chain owned by the user.
func (r *RefreshTokenRepository) ListActiveByUser(ctx context.Context, userID string, at time.Time) ([]domain.RefreshToken, error) {
	stmt, args, err := r.builder.
		Select(refreshTokenColumns...).
		From(refreshTokensTable).
		Where(squirrel.Eq{"user_id": userID}).
		Where("revoked_at IS NULL").
		Where("replaced_by IS NULL").
		Where(squirrel.Gt{"expires_at": at.UTC()}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list refresh tokens sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.RefreshToken
	for rows.Next() {
		token, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return tokens, nil
}

// DeleteExpired removes tokens whose expiry is before the cutoff.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	stmt, args, err := r.builder.Delete(refreshTokensTable).
		Where(squirrel.Lt{"expires_at": before.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete refresh tokens sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRefreshToken(row pgx.Row) (*domain.RefreshToken, error) {
	var (
		token        domain.RefreshToken
		replacedBy   sql.NullString
		lastUsedAt   sql.NullTime
		createdIP    sql.NullString
		userAgent    sql.NullString
		device       sql.NullString
		revokedAt    sql.NullTime
		revokedIP    sql.NullString
		revokeReason sql.NullString
	)

	if err := row.Scan(
		&token.ID,
		&token.TokenHash,
		&token.UserID,
		&token.FamilyID,
		&replacedBy,
		&lastUsedAt,
		&createdIP,
		&userAgent,
		&device,
		&token.CreatedAt,
		&token.ExpiresAt,
		&revokedAt,
		&revokedIP,
		&revokeReason,
	); err != nil {
		return nil, err
	}

	token.ReplacedBy = nullableStringPtr(replacedBy)
	token.LastUsedAt = nullableTimePtr(lastUsedAt)
	token.CreatedIP = createdIP.String
	token.UserAgent = userAgent.String
	token.Device = domain.DeviceType(device.String)
	if token.Device == "" {
		token.Device = domain.DeviceUnknown
	}
	token.RevokedAt = nullableTimePtr(revokedAt)
	token.RevokedIP = nullableStringPtr(revokedIP)
	if reason := nullableStringPtr(revokeReason); reason != nil {
		value := domain.RevocationReason(*reason)
		token.RevokeReason = &value
	}

	return &token, nil
}

var _ port.RefreshTokenRepository = (*RefreshTokenRepository)(nil)
