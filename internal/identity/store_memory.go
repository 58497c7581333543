package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database is configured and
// as a fixture in tests. It enforces the same uniqueness invariants as the
// Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User       // id -> user
	creds map[string]*Credential // provider|provider_id -> credential
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		creds: make(map[string]*Credential),
	}
}

func credKey(provider Provider, providerID string) string {
	return string(provider) + "|" + providerID
}

// CreateUser inserts a new user.
func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := NormalizeEmail(in.Email)
	if email == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email is required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	role := in.Role
	if role == "" {
		role = RoleMember
	}

	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return User{}, OpError{Op: op, Kind: ErrDuplicateCredential, Msg: "email"}
		}
	}

	u := User{
		ID:            id,
		Email:         email,
		Active:        true,
		EmailVerified: in.EmailVerified,
		Role:          role,
		CreatedAt:     now,
	}
	s.users[id] = &u
	return u, nil
}

// FindUserByID loads a user by id.
func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, OpError{Op: "identity.FindUser", Kind: ErrNotFound}
	}
	return *u, nil
}

// FindUserByEmail loads a user by normalized email.
func (s *MemoryStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	norm := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == norm {
			return *u, nil
		}
	}
	return User{}, OpError{Op: "identity.FindUser", Kind: ErrNotFound}
}

// TouchLastActive stamps last_active_at.
func (s *MemoryStore) TouchLastActive(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[id]; ok {
		t := now
		u.LastActiveAt = &t
	}
	return nil
}

// DeactivateUser soft-deactivates a user.
func (s *MemoryStore) DeactivateUser(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return OpError{Op: "identity.DeactivateUser", Kind: ErrNotFound}
	}
	u.Active = false
	t := now
	u.LastActiveAt = &t
	return nil
}

// MarkEmailVerified flips the email-verified flag.
func (s *MemoryStore) MarkEmailVerified(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return OpError{Op: "identity.MarkEmailVerified", Kind: ErrNotFound}
	}
	u.EmailVerified = true
	return nil
}

// CreateCredential attaches a credential record.
func (s *MemoryStore) CreateCredential(ctx context.Context, in CreateCredentialInput) (Credential, error) {
	const op = "identity.CreateCredential"

	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	if in.UserID == "" || in.Provider == "" || in.ProviderID == "" {
		return Credential{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "user_id, provider and provider_id are required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(in.Provider, in.ProviderID)
	if _, exists := s.creds[key]; exists {
		return Credential{}, OpError{Op: op, Kind: ErrDuplicateCredential, Msg: string(in.Provider)}
	}
	if in.Provider == ProviderLocal {
		for _, c := range s.creds {
			if c.UserID == in.UserID && c.Provider == ProviderLocal {
				return Credential{}, OpError{Op: op, Kind: ErrDuplicateCredential, Msg: "local"}
			}
		}
	}

	c := Credential{
		ID:                id,
		UserID:            in.UserID,
		Provider:          in.Provider,
		ProviderID:        in.ProviderID,
		PasswordHash:      in.PasswordHash,
		OAuthAccessToken:  in.OAuthAccessToken,
		OAuthRefreshToken: in.OAuthRefreshToken,
		OAuthExpiresAt:    in.OAuthExpiresAt,
		Verified:          in.Verified,
		CreatedAt:         now,
	}
	s.creds[key] = &c
	return c, nil
}

// FindCredential loads a credential by (provider, provider_id).
func (s *MemoryStore) FindCredential(ctx context.Context, provider Provider, providerID string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[credKey(provider, providerID)]
	if !ok {
		return Credential{}, OpError{Op: "identity.FindCredential", Kind: ErrNotFound}
	}
	return *c, nil
}

// UpdatePasswordHash replaces the local credential's password hash.
func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if c.UserID == userID && c.Provider == ProviderLocal {
			c.PasswordHash = newHash
			return nil
		}
	}
	return OpError{Op: "identity.UpdatePasswordHash", Kind: ErrNotFound, Msg: "no local credential"}
}

// UpdateOAuthTokens refreshes the stored provider tokens.
func (s *MemoryStore) UpdateOAuthTokens(ctx context.Context, credentialID, accessToken, refreshToken string, expiresAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if c.ID == credentialID {
			c.OAuthAccessToken = accessToken
			c.OAuthRefreshToken = refreshToken
			c.OAuthExpiresAt = expiresAt
			return nil
		}
	}
	return OpError{Op: "identity.UpdateOAuthTokens", Kind: ErrNotFound}
}
