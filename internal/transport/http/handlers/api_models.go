package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/transport/http/middleware"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error            string `json:"error"`
	TraceID          string `json:"trace_id,omitempty"`
	SecurityIncident bool   `json:"security_incident,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: middleware.GetTraceID(c),
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// UserSummary describes a minimal view of a user returned by the API.
type UserSummary struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	DisplayName  string      `json:"display_name,omitempty"`
	Role         domain.Role `json:"role"`
	AuthProvider string      `json:"auth_provider"`
	CreatedAt    time.Time   `json:"created_at"`
	LastLoginAt  *time.Time  `json:"last_login_at,omitempty"`
}

func newUserSummary(user domain.User) UserSummary {
	return UserSummary{
		ID:           user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		Role:         user.Role,
		AuthProvider: user.AuthProvider,
		CreatedAt:    user.CreatedAt,
		LastLoginAt:  user.LastLoginAt,
	}
}

// RegisterRequest defines the payload for the registration endpoint.
type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

// LoginRequest defines the payload for the login endpoint.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// PasswordChangeRequest defines the payload for the password change endpoint.
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// SessionResponse is returned whenever a session is issued or rotated.
// The refresh token travels only in its HttpOnly cookie.
type SessionResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	ExpiresIn   int64       `json:"expires_in"`
	User        UserSummary `json:"user"`
}

func newSessionResponse(session *domain.IssuedSession, now time.Time) SessionResponse {
	expiresIn := int64(session.AccessTokenExpiresAt.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return SessionResponse{
		AccessToken: session.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   session.AccessTokenExpiresAt,
		ExpiresIn:   expiresIn,
		User:        newUserSummary(session.User),
	}
}

// RevokeSessionsRequest optionally names the revocation reason.
type RevokeSessionsRequest struct {
	Reason string `json:"reason"`
}

// RevokedResponse reports how many refresh tokens a revocation touched.
type RevokedResponse struct {
	Revoked int `json:"revoked"`
}

// SessionSummary describes one logged-in device.
type SessionSummary struct {
	FamilyID   string            `json:"family_id"`
	Device     domain.DeviceType `json:"device"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// SessionListResponse wraps the sessions of one user.
type SessionListResponse struct {
	UserID   string           `json:"user_id"`
	Sessions []SessionSummary `json:"sessions"`
}

func newSessionSummaries(tokens []domain.RefreshToken) []SessionSummary {
	sessions := make([]SessionSummary, 0, len(tokens))
	for _, token := range tokens {
		device := token.Device
		if device == "" {
			device = domain.DeviceUnknown
		}
		sessions = append(sessions, SessionSummary{
			FamilyID:   token.FamilyID,
			Device:     device,
			IP:         token.CreatedIP,
			UserAgent:  token.UserAgent,
			CreatedAt:  token.CreatedAt,
			LastUsedAt: token.LastUsedAt,
			ExpiresAt:  token.ExpiresAt,
		})
	}
	return sessions
}

// LoginAttemptSummary is one row of the login audit trail.
type LoginAttemptSummary struct {
	Email         string              `json:"email"`
	IP            string              `json:"ip"`
	UserAgent     string              `json:"user_agent,omitempty"`
	Outcome       domain.LoginOutcome `json:"outcome"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// LoginAttemptsResponse lists recent attempts. FailuresFromIP is set for IP queries.
type LoginAttemptsResponse struct {
	Attempts       []LoginAttemptSummary `json:"attempts"`
	FailuresFromIP *int                  `json:"failures_from_ip,omitempty"`
}

func newLoginAttemptSummaries(attempts []domain.LoginAttempt) []LoginAttemptSummary {
	out := make([]LoginAttemptSummary, 0, len(attempts))
	for _, attempt := range attempts {
		summary := LoginAttemptSummary{
			Email:     attempt.Email,
			IP:        attempt.IP,
			UserAgent: attempt.UserAgent,
			Outcome:   attempt.Outcome,
			CreatedAt: attempt.CreatedAt,
		}
		if attempt.FailureReason != nil {
			summary.FailureReason = string(*attempt.FailureReason)
		}
		out = append(out, summary)
	}
	return out
}

// HealthResponse reports liveness or readiness.
type HealthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Checks    map[string]string `json:"checks,omitempty"`
}
