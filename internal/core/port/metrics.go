package port

import "github.com/arklim/workspace-auth/internal/core/domain"

// AuthMetrics receives counters from the auth core.
type AuthMetrics interface {
	LoginAttempt(outcome domain.LoginOutcome, reason string)
	AccountLocked()
	RefreshRotated()
	RefreshRejected(reason domain.RejectionReason)
	TokenValidation(result string)
	RevocationCacheFallback()
	SessionsRevoked(reason domain.RevocationReason, count int)
}
