package domain

import "errors"

// RejectionReason enumerates every way the auth core can refuse a caller.
type RejectionReason string

const (
	RejectInvalidCredentials   RejectionReason = "invalid_credentials"
	RejectNoToken              RejectionReason = "no_token"
	RejectTokenExpired         RejectionReason = "token_expired"
	RejectInvalidToken         RejectionReason = "invalid_token"
	RejectTokenRevoked         RejectionReason = "token_revoked"
	RejectUserNotFound         RejectionReason = "user_not_found"
	RejectTokenInvalidated     RejectionReason = "token_invalidated"
	RejectInvalidRefreshToken  RejectionReason = "invalid_refresh_token"
	RejectRefreshTokenRevoked  RejectionReason = "refresh_token_revoked"
	RejectRefreshTokenExpired  RejectionReason = "refresh_token_expired"
	RejectRefreshTokenReused   RejectionReason = "refresh_token_reused"
	RejectEmailDomainForbidden RejectionReason = "email_domain_forbidden"
	RejectEmailTaken           RejectionReason = "email_taken"
)

// Rejection is the typed refusal returned by the auth core. Two rejections are
// equal under errors.Is when their reasons match, so the exported sentinels
// below can be used as targets.
type Rejection struct {
	Reason  RejectionReason
	Message string
	// SecurityIncident marks refusals that should force a full re-login and
	// may warrant alerting the account owner.
	SecurityIncident bool
	// Detail carries extra server-side context (e.g. "password_changed").
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return r.Message + ", reason: " + r.Detail
	}
	return r.Message
}

// Is matches any rejection carrying the same reason.
func (r *Rejection) Is(target error) bool {
	other, ok := target.(*Rejection)
	if !ok {
		return false
	}
	return other.Reason == r.Reason
}

// WithDetail returns a copy of the rejection annotated with detail.
func (r *Rejection) WithDetail(detail string) *Rejection {
	copied := *r
	copied.Detail = detail
	return &copied
}

var (
	ErrInvalidCredentials   = &Rejection{Reason: RejectInvalidCredentials, Message: "invalid credentials"}
	ErrNoToken              = &Rejection{Reason: RejectNoToken, Message: "no token"}
	ErrTokenExpired         = &Rejection{Reason: RejectTokenExpired, Message: "token expired"}
	ErrInvalidToken         = &Rejection{Reason: RejectInvalidToken, Message: "invalid token"}
	ErrTokenRevoked         = &Rejection{Reason: RejectTokenRevoked, Message: "token has been revoked"}
	ErrUserNotFound         = &Rejection{Reason: RejectUserNotFound, Message: "user not found"}
	ErrTokenInvalidated     = &Rejection{Reason: RejectTokenInvalidated, Message: "token invalidated"}
	ErrInvalidRefreshToken  = &Rejection{Reason: RejectInvalidRefreshToken, Message: "invalid refresh token"}
	ErrRefreshTokenRevoked  = &Rejection{Reason: RejectRefreshTokenRevoked, Message: "refresh token has been revoked"}
	ErrRefreshTokenExpired  = &Rejection{Reason: RejectRefreshTokenExpired, Message: "refresh token has expired"}
	ErrRefreshTokenReused   = &Rejection{Reason: RejectRefreshTokenReused, Message: "refresh token reuse detected", SecurityIncident: true}
	ErrEmailDomainForbidden = &Rejection{Reason: RejectEmailDomainForbidden, Message: "email domain is not allowed"}
	ErrEmailTaken           = &Rejection{Reason: RejectEmailTaken, Message: "email already registered"}
)

// IsSecurityIncident reports whether err is a rejection flagged as a security incident.
func IsSecurityIncident(err error) bool {
	rej, ok := AsRejection(err)
	return ok && rej.SecurityIncident
}

// AsRejection unwraps err into a *Rejection when possible.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
