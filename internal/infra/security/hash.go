package security

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/arklim/workspace-auth/internal/core/port"
)

// BcryptHasher hashes passwords with bcrypt and keeps a dummy hash of the same
// cost so lookups for unknown accounts pay an identical comparison.
type BcryptHasher struct {
	cost  int
	dummy string
}

// NewBcryptHasher constructs a hasher. A cost outside bcrypt's range falls back to the default.
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	seed, err := GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate dummy secret: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(seed), cost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}

	return &BcryptHasher{cost: cost, dummy: string(dummy)}, nil
}

// Hash returns the bcrypt encoding of password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	encoded, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(encoded), nil
}

// Verify compares password against encoded. A mismatch is not an error.
func (h *BcryptHasher) Verify(password, encoded string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("bcrypt compare: %w", err)
	}
}

// DummyHash returns the precomputed hash used when no real hash exists.
func (h *BcryptHasher) DummyHash() string {
	return h.dummy
}

var _ port.PasswordHasher = (*BcryptHasher)(nil)
