package port

import (
	"time"

	"github.com/arklim/workspace-auth/internal/core/domain"
)

// PasswordHasher hashes and verifies secrets.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password string, encoded string) (bool, error)
	// DummyHash is a valid hash of an unguessable value, compared against when
	// no real hash exists so every login performs one comparison.
	DummyHash() string
}

// TokenSigner mints and verifies access tokens.
type TokenSigner interface {
	Issue(subject string, issuedAt time.Time) (token string, claims domain.AccessTokenClaims, err error)
	Parse(token string) (domain.AccessTokenClaims, error)
	// ParseIgnoringExpiry verifies the signature but accepts expired tokens.
	ParseIgnoringExpiry(token string) (domain.AccessTokenClaims, error)
}
