package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
)

const (
	loginAttemptsTable = "auth.login_attempts"
	defaultAttemptPage = 50
	maxAttemptPage     = 500
)

var loginAttemptColumns = []string{
	"id",
	"user_id",
	"email",
	"ip",
	"user_agent",
	"outcome",
	"failure_reason",
	"created_at",
}

// LoginAttemptRepository implements port.LoginAttemptRepository backed by PostgreSQL.
type LoginAttemptRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewLoginAttemptRepository constructs the attempt log repository.
func NewLoginAttemptRepository(exec pgExecutor) *LoginAttemptRepository {
	return &LoginAttemptRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Record appends an attempt to the log.
func (r *LoginAttemptRepository) Record(ctx context.Context, attempt domain.LoginAttempt) error {
	var reason any
	if attempt.FailureReason != nil {
		reason = string(*attempt.FailureReason)
	}

	stmt, args, err := r.builder.Insert(loginAttemptsTable).
		Columns(loginAttemptColumns...).
		Values(
			attempt.ID,
			optionalString(attempt.UserID),
			strings.ToLower(strings.TrimSpace(attempt.Email)),
			attempt.IP,
			attempt.UserAgent,
			string(attempt.Outcome),
			reason,
			attempt.CreatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert login attempt sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

// ListRecentByEmail returns the newest attempts for an email since the given time.
func (r *LoginAttemptRepository) ListRecentByEmail(ctx context.Context, email string, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	return r.list(ctx, squirrel.Eq{"email": strings.ToLower(strings.TrimSpace(email))}, since, limit)
}

// ListRecentByIP returns the newest attempts from an IP since the given time.
func (r *LoginAttemptRepository) ListRecentByIP(ctx context.Context, ip string, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	return r.list(ctx, squirrel.Eq{"ip": strings.TrimSpace(ip)}, since, limit)
}

// CountFailuresByIP counts failed attempts from an IP since the given time.
func (r *LoginAttemptRepository) CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	stmt, args, err := r.builder.
		Select("count(*)").
		From(loginAttemptsTable).
		Where(squirrel.Eq{"ip": strings.TrimSpace(ip), "outcome": string(domain.LoginOutcomeFailure)}).
		Where(squirrel.GtOrEq{"created_at": since.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count login failures sql: %w", err)
	}

	var count int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count login failures: %w", err)
	}
	return count, nil
}

// PruneBefore deletes attempts older than cutoff.
func (r *LoginAttemptRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	stmt, args, err := r.builder.Delete(loginAttemptsTable).
		Where(squirrel.Lt{"created_at": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune login attempts sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("prune login attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *LoginAttemptRepository) list(ctx context.Context, filter squirrel.Sqlizer, since time.Time, limit int) ([]domain.LoginAttempt, error) {
	if limit <= 0 {
		limit = defaultAttemptPage
	}
	if limit > maxAttemptPage {
		limit = maxAttemptPage
	}

	stmt, args, err := r.builder.
		Select(loginAttemptColumns...).
		From(loginAttemptsTable).
		Where(filter).
		Where(squirrel.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list login attempts sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list login attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.LoginAttempt
	for rows.Next() {
		attempt, err := scanLoginAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}
	return attempts, nil
}

func scanLoginAttempt(row pgx.Row) (domain.LoginAttempt, error) {
	var (
		attempt   domain.LoginAttempt
		userID    sql.NullString
		userAgent sql.NullString
		outcome   string
		reason    sql.NullString
	)

	if err := row.Scan(
		&attempt.ID,
		&userID,
		&attempt.Email,
		&attempt.IP,
		&userAgent,
		&outcome,
		&reason,
		&attempt.CreatedAt,
	); err != nil {
		return domain.LoginAttempt{}, err
	}

	attempt.UserID = nullableStringPtr(userID)
	attempt.UserAgent = userAgent.String
	attempt.Outcome = domain.LoginOutcome(outcome)
	if value := nullableStringPtr(reason); value != nil {
		failure := domain.LoginFailureReason(*value)
		attempt.FailureReason = &failure
	}
	return attempt, nil
}

var _ port.LoginAttemptRepository = (*LoginAttemptRepository)(nil)
