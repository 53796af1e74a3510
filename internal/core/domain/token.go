package domain

import "time"

// RevocationReason enumerates why a credential was revoked.
type RevocationReason string

const (
	RevocationReasonLogout           RevocationReason = "logout"
	RevocationReasonLogoutAllDevices RevocationReason = "logout_all_devices"
	RevocationReasonPasswordChanged  RevocationReason = "password_changed"
	RevocationReasonSecurityIncident RevocationReason = "security_incident"
	RevocationReasonAdminRevoked     RevocationReason = "admin_revoked"
	RevocationReasonAccountDeleted   RevocationReason = "account_deleted"
)

// Valid reports whether the reason is one of the supported values.
func (r RevocationReason) Valid() bool {
	switch r {
	case RevocationReasonLogout,
		RevocationReasonLogoutAllDevices,
		RevocationReasonPasswordChanged,
		RevocationReasonSecurityIncident,
		RevocationReasonAdminRevoked,
		RevocationReasonAccountDeleted:
		return true
	default:
		return false
	}
}

// RefreshTokenState is the lifecycle position of a refresh token within its chain.
type RefreshTokenState string

const (
	RefreshTokenStateActive     RefreshTokenState = "active"
	RefreshTokenStateSuperseded RefreshTokenState = "superseded"
	RefreshTokenStateRevoked    RefreshTokenState = "revoked"
)

// RefreshToken is one link of a rotation chain. Only the SHA-256 hash of the
// opaque value is persisted; ReplacedBy holds the successor's hash.
type RefreshToken struct {
	ID           string
	TokenHash    string
	UserID       string
	FamilyID     string
	ReplacedBy   *string
	LastUsedAt   *time.Time
	CreatedIP    string
	UserAgent    string
	Device       DeviceType
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	RevokedIP    *string
	RevokeReason *RevocationReason
}

// State derives the chain state. Revocation is terminal and wins over supersession.
func (t RefreshToken) State() RefreshTokenState {
	switch {
	case t.RevokedAt != nil:
		return RefreshTokenStateRevoked
	case t.ReplacedBy != nil:
		return RefreshTokenStateSuperseded
	default:
		return RefreshTokenStateActive
	}
}

// IsSuperseded reports whether the token has already been rotated.
func (t RefreshToken) IsSuperseded() bool {
	return t.ReplacedBy != nil
}

// IsRevoked reports whether the token has been explicitly revoked.
func (t RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether the token has elapsed its validity window.
func (t RefreshToken) IsExpired(at time.Time) bool {
	return !t.ExpiresAt.After(at)
}

// IsCurrent reports whether the token is the live head of its chain.
func (t RefreshToken) IsCurrent(at time.Time) bool {
	return t.State() == RefreshTokenStateActive && !t.IsExpired(at)
}

// RevokedToken is a ledger entry for an individually revoked access token.
// It is prunable once ExpiresAt has passed.
type RevokedToken struct {
	JTI       string
	UserID    string
	Reason    RevocationReason
	RevokedIP *string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt time.Time
}

// AccessTokenClaims is the decoded view of a signed access token.
type AccessTokenClaims struct {
	Subject   string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuedSession is the pair of credentials handed to a client at login or rotation.
type IssuedSession struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	AccessTokenJTI        string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	FamilyID              string
	User                  User
}
