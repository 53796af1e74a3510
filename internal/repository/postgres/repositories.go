package postgres

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Users         *UserRepository
	LoginAttempts *LoginAttemptRepository
	RefreshTokens *RefreshTokenRepository
	Revocations   *RevocationLedger
}

// NewRepositories wires all repositories backed by the provided executor (usually a *pgxpool.Pool).
func NewRepositories(exec pgExecutor) *Repositories {
	return &Repositories{
		Users:         NewUserRepository(exec),
		LoginAttempts: NewLoginAttemptRepository(exec),
		RefreshTokens: NewRefreshTokenRepository(exec),
		Revocations:   NewRevocationLedger(exec),
	}
}
