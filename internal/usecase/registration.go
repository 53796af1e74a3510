package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/logger"
	"github.com/arklim/workspace-auth/internal/repository"
)

const (
	defaultMinPasswordLength = 8
	providerLocal            = "local"
)

// RegistrationService creates local and federated identities.
type RegistrationService struct {
	users             port.UserRepository
	hasher            port.PasswordHasher
	allowedDomains    map[string]struct{}
	minPasswordLength int
	logger            *zap.Logger
	now               func() time.Time
	newID             func() string
}

// NewRegistrationService constructs a RegistrationService. An empty domain
// list admits every email domain.
func NewRegistrationService(users port.UserRepository, hasher port.PasswordHasher, allowedDomains []string, minPasswordLength int) *RegistrationService {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
		if d != "" {
			domains[d] = struct{}{}
		}
	}
	if minPasswordLength <= 0 {
		minPasswordLength = defaultMinPasswordLength
	}
	return &RegistrationService{
		users:             users,
		hasher:            hasher,
		allowedDomains:    domains,
		minPasswordLength: minPasswordLength,
		logger:            zap.NewNop(),
		now:               defaultNow,
		newID:             uuid.NewString,
	}
}

// WithLogger attaches a structured logger.
func (s *RegistrationService) WithLogger(log *zap.Logger) *RegistrationService {
	if log != nil {
		s.logger = log
	}
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *RegistrationService) WithClock(now func() time.Time) *RegistrationService {
	if now != nil {
		s.now = now
	}
	return s
}

// Register creates a local account with a bcrypt-hashed password and the standard role.
func (s *RegistrationService) Register(ctx context.Context, email, password, displayName string) (*domain.User, error) {
	email, err := s.checkEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < s.minPasswordLength {
		return nil, ErrPasswordTooShort
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := domain.User{
		ID:           s.newID(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: &hash,
		AuthProvider: providerLocal,
		Role:         domain.RoleStandard,
		CreatedAt:    s.now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("email", logger.MaskEmail(email)),
	)
	registered := user.Sanitized()
	return &registered, nil
}

// ResolveFederated returns the account behind a provider-verified email,
// creating a password-less one on first sight.
func (s *RegistrationService) ResolveFederated(ctx context.Context, email, provider, displayName string) (*domain.User, error) {
	email, err := s.checkEmail(email)
	if err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == providerLocal {
		return nil, fmt.Errorf("federated provider is required")
	}

	existing, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		resolved := existing.Sanitized()
		return &resolved, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	user := domain.User{
		ID:           s.newID(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		AuthProvider: provider,
		Role:         domain.RoleStandard,
		CreatedAt:    s.now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("create user: %w", err)
		}
		// Lost a race with a concurrent first sign-in.
		existing, err := s.users.GetByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		resolved := existing.Sanitized()
		return &resolved, nil
	}

	s.logger.Info("federated user created",
		zap.String("user_id", user.ID),
		zap.String("provider", provider),
		zap.String("email", logger.MaskEmail(email)),
	)
	return &user, nil
}

func (s *RegistrationService) checkEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", ErrInvalidEmail
	}
	if len(s.allowedDomains) > 0 {
		if _, ok := s.allowedDomains[email[at+1:]]; !ok {
			return "", domain.ErrEmailDomainForbidden
		}
	}
	return email, nil
}
