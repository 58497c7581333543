// Package identity holds Stride's canonical security principals: users and
// their linked credential records (local password or OAuth account).
package identity

import (
	"context"
	"time"
)

// Role is the coarse role flag carried on users. Stride performs no policy
// evaluation beyond this flag; collaborators interpret it.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Provider identifies the origin of a credential record.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// User is the identity anchor. Users are never hard-deleted; deactivation
// flips Active to false.
type User struct {
	ID            string
	Email         string // stored normalized (lower-case, trimmed)
	Active        bool
	EmailVerified bool
	Role          Role
	Onboarded     bool

	CreatedAt    time.Time
	LastActiveAt *time.Time
}

// Credential links a user to one auth provider.
//
// Invariants:
//   - at most one local credential per user
//   - (provider, provider_id) globally unique
//
// PasswordHash is set for local records only; the OAuth token fields are set
// for provider records only.
type Credential struct {
	ID         string
	UserID     string
	Provider   Provider
	ProviderID string // local: normalized email; oauth: provider subject id

	PasswordHash string

	OAuthAccessToken  string
	OAuthRefreshToken string
	OAuthExpiresAt    *time.Time

	Verified  bool
	CreatedAt time.Time
}

// CreateUserInput describes a signup / first-OAuth-login registration.
type CreateUserInput struct {
	Email         string
	Role          Role
	EmailVerified bool
	Now           time.Time
}

// CreateCredentialInput attaches a credential record to an existing user.
type CreateCredentialInput struct {
	UserID     string
	Provider   Provider
	ProviderID string

	PasswordHash string

	OAuthAccessToken  string
	OAuthRefreshToken string
	OAuthExpiresAt    *time.Time

	Verified bool
	Now      time.Time
}

// Store is the identity persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)

	// TouchLastActive is best-effort; callers may ignore the error.
	TouchLastActive(ctx context.Context, id string, now time.Time) error

	// DeactivateUser soft-deactivates a user (never a hard delete).
	DeactivateUser(ctx context.Context, id string, now time.Time) error

	// MarkEmailVerified flips the email-verified flag.
	MarkEmailVerified(ctx context.Context, id string) error

	CreateCredential(ctx context.Context, in CreateCredentialInput) (Credential, error)
	FindCredential(ctx context.Context, provider Provider, providerID string) (Credential, error)

	// UpdatePasswordHash replaces the local credential's hash (password reset).
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error

	// UpdateOAuthTokens refreshes the stored provider tokens on re-login.
	UpdateOAuthTokens(ctx context.Context, credentialID, accessToken, refreshToken string, expiresAt *time.Time) error
}
