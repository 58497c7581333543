package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "stride").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "stride",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser inserts a new user row.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

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

	users := pgIdent(s.schema, "users")

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+users+` (id, email, is_active, email_verified, role, onboarded, created_at)
		VALUES ($1, $2, TRUE, $3, $4, FALSE, $5)
	`, id, email, in.EmailVerified, string(role), now)
	if pgIsUniqueViolation(err) {
		return User{}, OpError{Op: op, Kind: ErrDuplicateCredential, Msg: "email"}
	}
	if err != nil {
		return User{}, err
	}

	return User{
		ID:            id,
		Email:         email,
		Active:        true,
		EmailVerified: in.EmailVerified,
		Role:          role,
		CreatedAt:     now,
	}, nil
}

// FindUserByID loads a user row by id.
func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (User, error) {
	return s.findUser(ctx, `id = $1`, id)
}

// FindUserByEmail loads a user row by normalized email.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return s.findUser(ctx, `email = $1`, NormalizeEmail(email))
}

func (s *PostgresStore) findUser(ctx context.Context, where string, arg any) (User, error) {
	users := pgIdent(s.schema, "users")

	var (
		u    User
		role string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, is_active, email_verified, role, onboarded, created_at, last_active_at
		FROM `+users+`
		WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Email, &u.Active, &u.EmailVerified, &role, &u.Onboarded, &u.CreatedAt, &u.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: "identity.FindUser", Kind: ErrNotFound}
	}
	if err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	return u, nil
}

// TouchLastActive stamps last_active_at (best-effort; callers may ignore the error).
func (s *PostgresStore) TouchLastActive(ctx context.Context, id string, now time.Time) error {
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx, `UPDATE `+users+` SET last_active_at = $2 WHERE id = $1`, id, now)
	return err
}

// DeactivateUser soft-deactivates a user.
func (s *PostgresStore) DeactivateUser(ctx context.Context, id string, now time.Time) error {
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx, `UPDATE `+users+` SET is_active = FALSE, last_active_at = $2 WHERE id = $1`, id, now)
	return err
}

// MarkEmailVerified flips the email-verified flag.
func (s *PostgresStore) MarkEmailVerified(ctx context.Context, id string) error {
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx, `UPDATE `+users+` SET email_verified = TRUE WHERE id = $1`, id)
	return err
}

// CreateCredential inserts a credential record for an existing user.
// Conflicts on (provider, provider_id) or a second local record for the same
// user map to ErrDuplicateCredential.
func (s *PostgresStore) CreateCredential(ctx context.Context, in CreateCredentialInput) (Credential, error) {
	const op = "identity.CreateCredential"

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

	creds := pgIdent(s.schema, "user_credentials")

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+creds+` (
			id, user_id, provider, provider_id,
			password_hash, oauth_access_token, oauth_refresh_token, oauth_expires_at,
			verified, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		id, in.UserID, string(in.Provider), in.ProviderID,
		nullIfEmpty(in.PasswordHash), nullIfEmpty(in.OAuthAccessToken), nullIfEmpty(in.OAuthRefreshToken), in.OAuthExpiresAt,
		in.Verified, now,
	)
	if pgIsUniqueViolation(err) {
		return Credential{}, OpError{Op: op, Kind: ErrDuplicateCredential, Msg: string(in.Provider)}
	}
	if err != nil {
		return Credential{}, err
	}

	return Credential{
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
	}, nil
}

// FindCredential loads a credential by its globally unique (provider, provider_id) pair.
func (s *PostgresStore) FindCredential(ctx context.Context, provider Provider, providerID string) (Credential, error) {
	creds := pgIdent(s.schema, "user_credentials")

	var (
		c    Credential
		prov string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			id, user_id, provider, provider_id,
			COALESCE(password_hash, ''), COALESCE(oauth_access_token, ''), COALESCE(oauth_refresh_token, ''), oauth_expires_at,
			verified, created_at
		FROM `+creds+`
		WHERE provider = $1 AND provider_id = $2
	`, string(provider), providerID).Scan(
		&c.ID, &c.UserID, &prov, &c.ProviderID,
		&c.PasswordHash, &c.OAuthAccessToken, &c.OAuthRefreshToken, &c.OAuthExpiresAt,
		&c.Verified, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, OpError{Op: "identity.FindCredential", Kind: ErrNotFound}
	}
	if err != nil {
		return Credential{}, err
	}
	c.Provider = Provider(prov)
	return c, nil
}

// UpdatePasswordHash replaces the local credential's password hash.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	creds := pgIdent(s.schema, "user_credentials")

	tag, err := s.pool.Exec(ctx, `
		UPDATE `+creds+`
		SET password_hash = $2
		WHERE user_id = $1 AND provider = $3
	`, userID, newHash, string(ProviderLocal))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "identity.UpdatePasswordHash", Kind: ErrNotFound, Msg: "no local credential"}
	}
	return nil
}

// UpdateOAuthTokens refreshes the stored provider tokens on re-login.
func (s *PostgresStore) UpdateOAuthTokens(ctx context.Context, credentialID, accessToken, refreshToken string, expiresAt *time.Time) error {
	creds := pgIdent(s.schema, "user_credentials")

	_, err := s.pool.Exec(ctx, `
		UPDATE `+creds+`
		SET oauth_access_token = $2, oauth_refresh_token = $3, oauth_expires_at = $4
		WHERE id = $1
	`, credentialID, nullIfEmpty(accessToken), nullIfEmpty(refreshToken), expiresAt)
	return err
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
