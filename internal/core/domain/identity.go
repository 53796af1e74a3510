package domain

import (
	"strings"
	"time"
)

// Role enumerates the coarse permission tiers resolved onto an identity.
type Role string

const (
	RoleStandard  Role = "standard"
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
)

// ParseRole normalises textual input into a supported role, defaulting to standard.
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleDeveloper:
		return RoleDeveloper
	default:
		return RoleStandard
	}
}

// User mirrors the persisted representation in the users table.
type User struct {
	ID                  string
	Email               string
	DisplayName         string
	PasswordHash        *string
	AuthProvider        string
	Role                Role
	FailedLoginAttempts int
	LockUntil           *time.Time
	TokensValidAfter    *time.Time
	CreatedAt           time.Time
	LastLoginAt         *time.Time
	PasswordChangedAt   *time.Time
}

// HasPassword reports whether a local password hash is stored for the account.
// Federated-only accounts have none.
func (u User) HasPassword() bool {
	return u.PasswordHash != nil && strings.TrimSpace(*u.PasswordHash) != ""
}

// IsLocked reports whether the lock window is still open at the supplied moment.
func (u User) IsLocked(at time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(at)
}

// IssuedBeforeWatermark reports whether a token issued at issuedAt predates the
// token-valid-after watermark. Accounts without a watermark accept every token.
func (u User) IssuedBeforeWatermark(issuedAt time.Time) bool {
	if u.TokensValidAfter == nil {
		return false
	}
	return issuedAt.Before(*u.TokensValidAfter)
}

// Sanitized returns a copy safe to hand to callers outside the credential store.
func (u User) Sanitized() User {
	u.PasswordHash = nil
	return u
}

// LockoutState is the outcome of an atomic failed-login registration.
type LockoutState struct {
	FailedAttempts int
	LockUntil      *time.Time
	// Locked is true when the account was already locked before the attempt
	// and the counter was therefore left untouched.
	Locked bool
	// JustLocked is true when this attempt crossed the threshold.
	JustLocked bool
}

// LoginOutcome classifies a recorded login attempt.
type LoginOutcome string

const (
	LoginOutcomeSuccess LoginOutcome = "success"
	LoginOutcomeFailure LoginOutcome = "failure"
)

// LoginFailureReason is the server-side reason recorded for a failed attempt.
// It is never returned to the caller.
type LoginFailureReason string

const (
	LoginFailureUserNotFound      LoginFailureReason = "user_not_found"
	LoginFailureAccountLocked     LoginFailureReason = "account_locked"
	LoginFailureIncorrectPassword LoginFailureReason = "incorrect_password"
	LoginFailureInternalError     LoginFailureReason = "internal_error"
)

// LoginAttempt records an authentication attempt for abuse-pattern analysis.
type LoginAttempt struct {
	ID            string
	UserID        *string
	Email         string
	IP            string
	UserAgent     string
	Outcome       LoginOutcome
	FailureReason *LoginFailureReason
	CreatedAt     time.Time
}

// RequestContext carries the client metadata the routing layer extracts from a request.
type RequestContext struct {
	IP        string
	UserAgent string
}
