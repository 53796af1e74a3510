package domain

import "time"

// SecurityEventKind enumerates the security-relevant signals the auth core emits.
type SecurityEventKind string

const (
	SecurityEventRefreshTokenReused    SecurityEventKind = "refresh_token_reused"
	SecurityEventInvalidTokenSignature SecurityEventKind = "invalid_token_signature"
	SecurityEventRevokedTokenPresented SecurityEventKind = "revoked_token_presented"
	SecurityEventTokenInvalidated      SecurityEventKind = "token_invalidated"
	SecurityEventAccountLocked         SecurityEventKind = "account_locked"
	SecurityEventSessionsRevoked       SecurityEventKind = "sessions_revoked"
	SecurityEventPasswordChanged       SecurityEventKind = "password_changed"
)

// Severity returns the operator-facing severity for the event kind.
func (k SecurityEventKind) Severity() string {
	switch k {
	case SecurityEventRefreshTokenReused, SecurityEventInvalidTokenSignature:
		return "high"
	case SecurityEventRevokedTokenPresented, SecurityEventAccountLocked:
		return "medium"
	default:
		return "info"
	}
}

// SecurityEvent is the payload for auth.security.* messages.
type SecurityEvent struct {
	EventID    string
	Kind       SecurityEventKind
	UserID     string
	FamilyID   string
	JTI        string
	IP         string
	UserAgent  string
	Reason     string
	Count      int
	OccurredAt time.Time
	Metadata   map[string]any
}
