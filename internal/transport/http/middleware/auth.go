package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/usecase"
)

const (
	principalKey = "principal"
	roleKey      = "role"

	bearerChallenge = `Bearer realm="workspace-auth"`
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error            string `json:"error"`
	TraceID          string `json:"trace_id,omitempty"`
	SecurityIncident bool   `json:"security_incident,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

// TokenSources collects the access token candidates carried by the request.
func TokenSources(c *gin.Context, cookieName string) usecase.TokenSources {
	sources := usecase.TokenSources{Authorization: c.GetHeader("Authorization")}
	if cookieName != "" {
		if value, err := c.Cookie(cookieName); err == nil {
			sources.Cookie = value
		}
	}
	return sources
}

// RequireAuth validates the access token from the Authorization header or the
// session cookie and attaches the resolved principal to the context.
func RequireAuth(validator *usecase.SessionValidator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqCtx := GetRequestContext(c)

		principal, err := validator.ValidateRequest(c.Request.Context(), TokenSources(c, cookieName), reqCtx.Client())
		if err != nil {
			status, message := authFailure(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", bearerChallenge)
			} else {
				_ = c.Error(err)
			}
			c.AbortWithStatusJSON(status, newErrorResponse(c, message))
			return
		}

		c.Set(principalKey, principal)
		c.Set(UserIDKey, principal.User.ID)
		c.Set(roleKey, principal.User.Role)
		reqCtx.UserID = principal.User.ID

		c.Next()
	}
}

// authFailure collapses validator rejections into the small set of messages
// callers are allowed to see. Expiry stays distinguishable so clients know to refresh.
func authFailure(err error) (int, string) {
	rejection, ok := domain.AsRejection(err)
	if !ok {
		return http.StatusServiceUnavailable, "authentication unavailable"
	}
	switch {
	case errors.Is(rejection, domain.ErrNoToken):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(rejection, domain.ErrTokenExpired):
		return http.StatusUnauthorized, "access token expired"
	default:
		return http.StatusUnauthorized, "invalid access token"
	}
}

// RequireRole checks if the authenticated user has any of the specified roles
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	allowed := make(map[domain.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(c *gin.Context) {
		value, exists := c.Get(roleKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "authentication required"))
			return
		}

		role, ok := value.(domain.Role)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				newErrorResponse(c, "invalid role format"))
			return
		}

		if _, ok := allowed[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(c, "insufficient permissions"))
			return
		}

		c.Next()
	}
}

// GetPrincipal returns the principal stored by RequireAuth.
func GetPrincipal(c *gin.Context) (*usecase.Principal, bool) {
	value, exists := c.Get(principalKey)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*usecase.Principal)
	return principal, ok && principal != nil
}

// GetAuthenticatedUserID retrieves the user ID from context (helper for handlers)
func GetAuthenticatedUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}

	if id, ok := userID.(string); ok {
		return id, true
	}

	return "", false
}
