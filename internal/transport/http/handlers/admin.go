package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/usecase"
)

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
)

// AdminHandler exposes operator endpoints for sessions and lockouts.
type AdminHandler struct {
	revocation *usecase.RevocationService
	audit      *usecase.LoginAuditService
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(revocation *usecase.RevocationService, audit *usecase.LoginAuditService) *AdminHandler {
	return &AdminHandler{revocation: revocation, audit: audit}
}

// RegisterRoutes binds admin routes. Callers are expected to guard the group
// with authentication and an admin role check.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/sessions", h.listSessions)
	r.POST("/users/:id/revoke-sessions", h.revokeSessions)
	r.POST("/users/:id/unlock", h.unlock)
	r.DELETE("/sessions/:family_id", h.revokeFamily)
	r.GET("/login-attempts", h.loginAttempts)
}

func (h *AdminHandler) listSessions(c *gin.Context) {
	userID := c.Param("id")
	sessions, err := h.revocation.ListSessions(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, SessionListResponse{UserID: userID, Sessions: newSessionSummaries(sessions)})
}

func (h *AdminHandler) revokeSessions(c *gin.Context) {
	reason, ok := bindReason(c, domain.RevocationReasonAdminRevoked)
	if !ok {
		return
	}

	revoked, err := h.revocation.RevokeAllSessions(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	c.JSON(http.StatusOK, RevokedResponse{Revoked: revoked})
}

func (h *AdminHandler) unlock(c *gin.Context) {
	if err := h.revocation.UnlockAccount(c.Request.Context(), c.Param("id")); err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, "failed to unlock account")
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "account unlocked"})
}

func (h *AdminHandler) revokeFamily(c *gin.Context) {
	reason, ok := bindReason(c, domain.RevocationReasonAdminRevoked)
	if !ok {
		return
	}

	revoked, err := h.revocation.RevokeSessionFamily(c.Request.Context(), c.Param("family_id"), reason)
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	c.JSON(http.StatusOK, RevokedResponse{Revoked: revoked})
}

func (h *AdminHandler) loginAttempts(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	ip := strings.TrimSpace(c.Query("ip"))
	if (email == "") == (ip == "") {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "exactly one of email or ip is required"))
		return
	}

	limit := defaultAttemptLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxAttemptLimit)
	}

	ctx := c.Request.Context()
	var resp LoginAttemptsResponse

	if email != "" {
		attempts, err := h.audit.RecentByEmail(ctx, email, limit)
		if err != nil {
			RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to load login attempts")
			return
		}
		resp.Attempts = newLoginAttemptSummaries(attempts)
		c.JSON(http.StatusOK, resp)
		return
	}

	attempts, err := h.audit.RecentByIP(ctx, ip, limit)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to load login attempts")
		return
	}
	failures, err := h.audit.FailuresByIP(ctx, ip)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to load login attempts")
		return
	}
	resp.Attempts = newLoginAttemptSummaries(attempts)
	resp.FailuresFromIP = &failures
	c.JSON(http.StatusOK, resp)
}

// bindReason reads an optional revocation reason from the body.
func bindReason(c *gin.Context, fallback domain.RevocationReason) (domain.RevocationReason, bool) {
	var req RevokeSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid revocation payload"))
		return "", false
	}
	if strings.TrimSpace(req.Reason) == "" {
		return fallback, true
	}
	reason := domain.RevocationReason(strings.TrimSpace(req.Reason))
	if !reason.Valid() {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid revocation reason"))
		return "", false
	}
	return reason, true
}
