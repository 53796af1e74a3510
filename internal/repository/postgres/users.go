package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/repository"
)

const usersTable = "auth.users"

var userColumns = []string{
	"id",
	"email",
	"display_name",
	"password_hash",
	"auth_provider",
	"role",
	"failed_login_attempts",
	"lock_until",
	"tokens_valid_after",
	"created_at",
	"last_login_at",
	"password_changed_at",
}

// registerFailedLoginSQL increments the counter and applies the lock in one
// statement. The WHERE clause skips rows whose lock is still open, and row-level
// locking serialises concurrent attempts, so the counter cannot pass the
// threshold while the lock holds. An expired lock restarts the count at 1.
const registerFailedLoginSQL = `
UPDATE auth.users
   SET failed_login_attempts = CASE
           WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN 1
           ELSE failed_login_attempts + 1
       END,
       lock_until = CASE
           WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN
               CASE WHEN 1 >= $3::int THEN $4::timestamptz ELSE NULL END
           WHEN failed_login_attempts + 1 >= $3::int THEN $4::timestamptz
           ELSE NULL
       END
 WHERE id = $1
   AND (lock_until IS NULL OR lock_until <= $2)
RETURNING failed_login_attempts, lock_until`

// UserRepository implements port.UserRepository using PostgreSQL.
type UserRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewUserRepository wires a PostgreSQL-backed user repository.
func NewUserRepository(exec pgExecutor) *UserRepository {
	return &UserRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Create inserts a new user row. A duplicate email yields repository.ErrDuplicate.
func (r *UserRepository) Create(ctx context.Context, user domain.User) error {
	role := user.Role
	if role == "" {
		role = domain.RoleStandard
	}

	stmt, args, err := r.builder.Insert(usersTable).
		Columns(
			"id",
			"email",
			"display_name",
			"password_hash",
			"auth_provider",
			"role",
			"created_at",
			"password_changed_at",
		).
		Values(
			user.ID,
			strings.ToLower(strings.TrimSpace(user.Email)),
			user.DisplayName,
			optionalString(user.PasswordHash),
			user.AuthProvider,
			string(role),
			user.CreatedAt.UTC(),
			optionalTime(user.PasswordChangedAt),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert user sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by identifier.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	stmt, args, err := r.builder.
		Select(userColumns...).
		From(usersTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	user, err := scanUser(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, wrapScanErr("scan user", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	stmt, args, err := r.builder.
		Select(userColumns...).
		From(usersTable).
		Where("lower(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user by email sql: %w", err)
	}

	user, err := scanUser(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		return nil, wrapScanErr("scan user by email", err)
	}
	return user, nil
}

// RegisterFailedLogin records a failed password attempt atomically.
func (r *UserRepository) RegisterFailedLogin(ctx context.Context, id string, at time.Time, threshold int, window time.Duration) (domain.LockoutState, error) {
	if threshold < 1 {
		return domain.LockoutState{}, fmt.Errorf("lockout threshold must be positive")
	}
	at = at.UTC()
	lockUntil := at.Add(window)

	var (
		attempts int
		lock     sql.NullTime
	)
	err := r.exec.QueryRow(ctx, registerFailedLoginSQL, id, at, threshold, lockUntil).Scan(&attempts, &lock)
	switch {
	case err == nil:
		state := domain.LockoutState{
			FailedAttempts: attempts,
			LockUntil:      nullableTimePtr(lock),
		}
		state.JustLocked = state.LockUntil != nil
		return state, nil
	case isNoRows(err):
		return r.currentLockout(ctx, id)
	default:
		return domain.LockoutState{}, fmt.Errorf("register failed login: %w", err)
	}
}

// currentLockout reads the counter of a row the conditional update skipped.
func (r *UserRepository) currentLockout(ctx context.Context, id string) (domain.LockoutState, error) {
	stmt, args, err := r.builder.
		Select("failed_login_attempts", "lock_until").
		From(usersTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.LockoutState{}, fmt.Errorf("build select lockout sql: %w", err)
	}

	var (
		attempts int
		lock     sql.NullTime
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&attempts, &lock); err != nil {
		if isNoRows(err) {
			return domain.LockoutState{}, repository.ErrNotFound
		}
		return domain.LockoutState{}, fmt.Errorf("select lockout: %w", err)
	}

	return domain.LockoutState{
		FailedAttempts: attempts,
		LockUntil:      nullableTimePtr(lock),
		Locked:         true,
	}, nil
}

// ResetFailedLogins clears the counter and lock after a successful login. A
// lock that is still active at the given time is left in place and
// repository.ErrConflict is returned.
func (r *UserRepository) ResetFailedLogins(ctx context.Context, id string, at time.Time) error {
	err := r.update(ctx, "reset failed logins", r.builder.Update(usersTable).
		Set("failed_login_attempts", 0).
		Set("lock_until", nil).
		Set("last_login_at", at.UTC()).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Or{
			squirrel.Eq{"lock_until": nil},
			squirrel.LtOrEq{"lock_until": at.UTC()},
		}))
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	stmt, args, err := r.builder.Select("1").From(usersTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build select user exists sql: %w", err)
	}
	var one int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&one); err != nil {
		if isNoRows(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("select user exists: %w", err)
	}
	return repository.ErrConflict
}

// Unlock clears the counter and lock on administrator request.
func (r *UserRepository) Unlock(ctx context.Context, id string) error {
	return r.update(ctx, "unlock user", r.builder.Update(usersTable).
		Set("failed_login_attempts", 0).
		Set("lock_until", nil).
		Where(squirrel.Eq{"id": id}))
}

// UpdatePassword stores a new password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id string, passwordHash string, changedAt time.Time) error {
	return r.update(ctx, "update password", r.builder.Update(usersTable).
		Set("password_hash", passwordHash).
		Set("password_changed_at", changedAt.UTC()).
		Where(squirrel.Eq{"id": id}))
}

// SetTokensValidAfter moves the watermark forward. It never moves backwards.
func (r *UserRepository) SetTokensValidAfter(ctx context.Context, id string, watermark time.Time) error {
	return r.update(ctx, "set tokens valid after", r.builder.Update(usersTable).
		Set("tokens_valid_after", squirrel.Expr("GREATEST(COALESCE(tokens_valid_after, ?::timestamptz), ?::timestamptz)", watermark.UTC(), watermark.UTC())).
		Where(squirrel.Eq{"id": id}))
}

func (r *UserRepository) update(ctx context.Context, op string, builder squirrel.UpdateBuilder) error {
	stmt, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build %s sql: %w", op, err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		user              domain.User
		displayName       sql.NullString
		passwordHash      sql.NullString
		authProvider      sql.NullString
		role              string
		lockUntil         sql.NullTime
		tokensValidAfter  sql.NullTime
		lastLoginAt       sql.NullTime
		passwordChangedAt sql.NullTime
	)

	if err := row.Scan(
		&user.ID,
		&user.Email,
		&displayName,
		&passwordHash,
		&authProvider,
		&role,
		&user.FailedLoginAttempts,
		&lockUntil,
		&tokensValidAfter,
		&user.CreatedAt,
		&lastLoginAt,
		&passwordChangedAt,
	); err != nil {
		return nil, err
	}

	user.DisplayName = displayName.String
	user.PasswordHash = nullableStringPtr(passwordHash)
	user.AuthProvider = authProvider.String
	user.Role = domain.ParseRole(role)
	user.LockUntil = nullableTimePtr(lockUntil)
	user.TokensValidAfter = nullableTimePtr(tokensValidAfter)
	user.LastLoginAt = nullableTimePtr(lastLoginAt)
	user.PasswordChangedAt = nullableTimePtr(passwordChangedAt)

	return &user, nil
}

func wrapScanErr(op string, err error) error {
	if isNoRows(err) {
		return repository.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ port.UserRepository = (*UserRepository)(nil)
