package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
)

const (
	// MinSecretLength is the minimum HMAC secret size accepted by the token manager.
	MinSecretLength       = 32
	defaultAccessTokenTTL = 15 * time.Minute
)

var (
	// ErrSecretTooShort indicates the configured HMAC secret is unusable.
	ErrSecretTooShort = errors.New("jwt: secret must be at least 32 bytes")
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("jwt: token expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures and disallowed algorithms.
	ErrTokenInvalid = errors.New("jwt: token invalid")
)

// allowedMethods is the fixed algorithm allow-list. Tokens declaring anything
// else, including "none" and asymmetric algorithms, are rejected before the
// key is consulted.
var allowedMethods = []string{jwt.SigningMethodHS256.Alg()}

// TokenManager signs and verifies HS256 access tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
}

// NewTokenManager constructs a TokenManager for the supplied secret and issuer.
func NewTokenManager(secret, issuer string, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = defaultAccessTokenTTL
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		ttl:    ttl,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// WithClock overrides the clock used for expiry checks.
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	if now != nil {
		m.now = now
	}
	return m
}

// TTL returns the access-token lifetime.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue mints a signed token for subject with a fresh jti.
func (m *TokenManager) Issue(subject string, issuedAt time.Time) (string, domain.AccessTokenClaims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", domain.AccessTokenClaims{}, fmt.Errorf("jwt: subject is required")
	}
	if issuedAt.IsZero() {
		issuedAt = m.now()
	}
	issuedAt = issuedAt.UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        m.newID(),
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(m.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", domain.AccessTokenClaims{}, fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, toDomainClaims(&registered), nil
}

// Parse verifies signature, algorithm, issuer and expiry.
func (m *TokenManager) Parse(raw string) (domain.AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedMethods),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	return m.parse(raw, opts...)
}

// ParseIgnoringExpiry verifies signature and algorithm only. Logout uses it so
// a token that expired moments ago can still be revoked.
func (m *TokenManager) ParseIgnoringExpiry(raw string) (domain.AccessTokenClaims, error) {
	return m.parse(raw, jwt.WithValidMethods(allowedMethods), jwt.WithoutClaimsValidation())
}

func (m *TokenManager) parse(raw string, opts ...jwt.ParserOption) (domain.AccessTokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.AccessTokenClaims{}, ErrTokenInvalid
	}

	registered := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, registered, m.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.AccessTokenClaims{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return domain.AccessTokenClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || strings.TrimSpace(registered.Subject) == "" {
		return domain.AccessTokenClaims{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return toDomainClaims(registered), nil
}

func (m *TokenManager) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return m.secret, nil
}

func toDomainClaims(registered *jwt.RegisteredClaims) domain.AccessTokenClaims {
	claims := domain.AccessTokenClaims{
		Subject: registered.Subject,
		JTI:     registered.ID,
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time.UTC()
	}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time.UTC()
	}
	return claims
}

var _ port.TokenSigner = (*TokenManager)(nil)
