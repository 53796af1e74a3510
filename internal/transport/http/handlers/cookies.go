package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/infra/config"
)

// SessionCookies writes and clears the access and refresh cookies.
// The refresh cookie is scoped to the auth routes so it never rides along
// with ordinary API calls.
type SessionCookies struct {
	AccessName  string
	RefreshName string
	RefreshPath string
	Domain      string
	Secure      bool
	SameSite    http.SameSite
}

// NewSessionCookies derives cookie attributes from configuration.
func NewSessionCookies(cfg config.CookieSettings) SessionCookies {
	cookies := SessionCookies{
		AccessName:  cfg.AccessName,
		RefreshName: cfg.RefreshName,
		RefreshPath: cfg.RefreshPath,
		Domain:      cfg.Domain,
		Secure:      cfg.Secure,
		SameSite:    parseSameSite(cfg.SameSite),
	}
	if cookies.AccessName == "" {
		cookies.AccessName = "access_token"
	}
	if cookies.RefreshName == "" {
		cookies.RefreshName = "refresh_token"
	}
	if cookies.RefreshPath == "" {
		cookies.RefreshPath = "/api/v1/auth"
	}
	return cookies
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// Write sets both cookies for a freshly issued session.
func (s SessionCookies) Write(c *gin.Context, session *domain.IssuedSession) {
	s.set(c, s.AccessName, session.AccessToken, "/", session.AccessTokenExpiresAt)
	s.set(c, s.RefreshName, session.RefreshToken, s.RefreshPath, session.RefreshTokenExpiresAt)
}

// Clear expires both cookies.
func (s SessionCookies) Clear(c *gin.Context) {
	s.expire(c, s.AccessName, "/")
	s.expire(c, s.RefreshName, s.RefreshPath)
}

// RefreshToken returns the refresh cookie value, if any.
func (s SessionCookies) RefreshToken(c *gin.Context) string {
	value, err := c.Cookie(s.RefreshName)
	if err != nil {
		return ""
	}
	return value
}

func (s SessionCookies) set(c *gin.Context, name, value, path string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   s.Domain,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: s.SameSite,
	})
}

func (s SessionCookies) expire(c *gin.Context, name, path string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   s.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: s.SameSite,
	})
}
