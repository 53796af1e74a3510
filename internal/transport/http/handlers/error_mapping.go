package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
// Unmapped errors are attached to the gin context so the access log records them.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			resp := NewErrorResponse(c, cs.Message)
			resp.SecurityIncident = domain.IsSecurityIncident(err)
			c.JSON(cs.Status, resp)
			return
		}
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}

// Login never tells the caller which check failed.
var loginErrorCases = []ErrorCase{
	{Err: domain.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid credentials"},
}

var refreshErrorCases = []ErrorCase{
	{Err: domain.ErrRefreshTokenReused, Status: http.StatusUnauthorized, Message: "session terminated, please sign in again"},
	{Err: domain.ErrInvalidRefreshToken, Status: http.StatusUnauthorized, Message: "invalid refresh token"},
	{Err: domain.ErrRefreshTokenRevoked, Status: http.StatusUnauthorized, Message: "invalid refresh token"},
	{Err: domain.ErrRefreshTokenExpired, Status: http.StatusUnauthorized, Message: "refresh token expired"},
	{Err: domain.ErrUserNotFound, Status: http.StatusUnauthorized, Message: "invalid refresh token"},
}

var registrationErrorCases = []ErrorCase{
	{Err: usecase.ErrInvalidEmail, Status: http.StatusBadRequest, Message: "invalid email address"},
	{Err: usecase.ErrPasswordTooShort, Status: http.StatusBadRequest, Message: "password is too short"},
	{Err: domain.ErrEmailDomainForbidden, Status: http.StatusForbidden, Message: "email domain is not allowed"},
	{Err: domain.ErrEmailTaken, Status: http.StatusConflict, Message: "email already registered"},
}

var passwordErrorCases = []ErrorCase{
	{Err: usecase.ErrPasswordTooShort, Status: http.StatusBadRequest, Message: "password is too short"},
	{Err: domain.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid credentials"},
	{Err: domain.ErrUserNotFound, Status: http.StatusUnauthorized, Message: "invalid access token"},
}

var adminErrorCases = []ErrorCase{
	{Err: usecase.ErrUserIDRequired, Status: http.StatusBadRequest, Message: "user id is required"},
	{Err: usecase.ErrInvalidRevocationReason, Status: http.StatusBadRequest, Message: "invalid revocation reason"},
	{Err: domain.ErrUserNotFound, Status: http.StatusNotFound, Message: "user not found"},
}
