package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/transport/http/middleware"
	"github.com/arklim/workspace-auth/internal/usecase"
)

// AuthHandler exposes authentication endpoints.
type AuthHandler struct {
	guard        *usecase.LoginGuard
	issuer       *usecase.SessionIssuer
	validator    *usecase.SessionValidator
	revocation   *usecase.RevocationService
	registration *usecase.RegistrationService
	cookies      SessionCookies
	now          func() time.Time
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(
	guard *usecase.LoginGuard,
	issuer *usecase.SessionIssuer,
	validator *usecase.SessionValidator,
	revocation *usecase.RevocationService,
	registration *usecase.RegistrationService,
	cookies SessionCookies,
) *AuthHandler {
	return &AuthHandler{
		guard:        guard,
		issuer:       issuer,
		validator:    validator,
		revocation:   revocation,
		registration: registration,
		cookies:      cookies,
		now:          time.Now,
	}
}

// WithClock overrides the clock used for expires_in.
func (h *AuthHandler) WithClock(now func() time.Time) *AuthHandler {
	if now != nil {
		h.now = now
	}
	return h
}

// RequireAuth returns the authentication middleware bound to the session cookie.
func (h *AuthHandler) RequireAuth() gin.HandlerFunc {
	return middleware.RequireAuth(h.validator, h.cookies.AccessName)
}

// AuthRouteLimits attaches rate limiting middleware to individual endpoints.
type AuthRouteLimits struct {
	Register []gin.HandlerFunc
	Login    []gin.HandlerFunc
	Refresh  []gin.HandlerFunc
}

// RegisterRoutes binds authentication routes, applying optional middleware ahead of handlers.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup, limits AuthRouteLimits) {
	r.POST("/register", chain(limits.Register, h.register)...)
	r.POST("/login", chain(limits.Login, h.login)...)
	r.POST("/refresh", chain(limits.Refresh, h.refresh)...)
	r.POST("/logout", h.logout)

	authed := r.Group("", h.RequireAuth())
	authed.POST("/logout-all", h.logoutAll)
	authed.POST("/password", h.changePassword)
	authed.GET("/me", h.me)
}

func chain(middlewares []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(middlewares)+1)
	handlers = append(handlers, middlewares...)
	return append(handlers, handler)
}

func (h *AuthHandler) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid registration payload"))
		return
	}

	user, err := h.registration.Register(c.Request.Context(), req.Email, req.Password, strings.TrimSpace(req.DisplayName))
	if err != nil {
		RespondWithMappedError(c, err, registrationErrorCases, http.StatusInternalServerError, "registration failed")
		return
	}

	c.JSON(http.StatusCreated, newUserSummary(*user))
}

func (h *AuthHandler) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid login payload"))
		return
	}

	ctx := c.Request.Context()
	reqCtx := middleware.ClientContext(c)

	user, err := h.guard.Authenticate(ctx, req.Email, req.Password, reqCtx)
	if err != nil {
		RespondWithMappedError(c, err, loginErrorCases, http.StatusInternalServerError, "login failed")
		return
	}

	session, err := h.issuer.IssueSession(ctx, user.ID, reqCtx)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "login failed")
		return
	}

	h.respondWithSession(c, session)
}

func (h *AuthHandler) refresh(c *gin.Context) {
	token := h.cookies.RefreshToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "refresh token required"))
		return
	}

	session, err := h.issuer.RefreshSession(c.Request.Context(), token, middleware.ClientContext(c))
	if err != nil {
		if _, ok := domain.AsRejection(err); ok {
			h.cookies.Clear(c)
		}
		RespondWithMappedError(c, err, refreshErrorCases, http.StatusInternalServerError, "refresh failed")
		return
	}

	h.respondWithSession(c, session)
}

// logout accepts expired access tokens, so it sits outside RequireAuth.
func (h *AuthHandler) logout(c *gin.Context) {
	access := middleware.TokenSources(c, h.cookies.AccessName).Token()
	refresh := h.cookies.RefreshToken(c)

	err := h.revocation.Logout(c.Request.Context(), access, refresh, middleware.ClientContext(c))
	h.cookies.Clear(c)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "logout failed")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) logoutAll(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)

	revoked, err := h.revocation.RevokeAllSessions(c.Request.Context(), userID, domain.RevocationReasonLogoutAllDevices)
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, "logout failed")
		return
	}

	h.cookies.Clear(c)
	c.JSON(http.StatusOK, RevokedResponse{Revoked: revoked})
}

func (h *AuthHandler) changePassword(c *gin.Context) {
	var req PasswordChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid password payload"))
		return
	}

	userID, _ := middleware.GetAuthenticatedUserID(c)
	session, err := h.revocation.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword, middleware.ClientContext(c))
	if err != nil {
		RespondWithMappedError(c, err, passwordErrorCases, http.StatusInternalServerError, "password change failed")
		return
	}

	h.respondWithSession(c, session)
}

func (h *AuthHandler) me(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}
	c.JSON(http.StatusOK, newUserSummary(principal.User))
}

func (h *AuthHandler) respondWithSession(c *gin.Context, session *domain.IssuedSession) {
	h.cookies.Write(c, session)
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, newSessionResponse(session, h.now()))
}
