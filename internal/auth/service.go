// Package auth orchestrates Stride authentication flows across the identity
// store, the session registry, and the realtime tracker.
//
// Every revocation flow updates the session registry FIRST and only then
// force-disconnects live connections. Reversing that order opens a race
// where a freshly-issued token could authenticate a new connection after
// "logout" appears complete.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stride/internal/auth/session"
	"stride/internal/identity"
	"stride/internal/security/password"
)

// Revocation reasons shown to the user in the termination notice.
const (
	ReasonLogout        = "logged out"
	ReasonLogoutAll     = "signed out on all devices"
	ReasonPasswordReset = "password was reset"
	ReasonDeactivated   = "account deactivated"
	ReasonRevoked       = "session revoked"
)

var (
	// ErrInvalidCredentials is returned for unknown email or wrong password.
	// Deliberately indistinguishable between the two.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Disconnector severs a user's live realtime connections. Satisfied by
// *realtime.Tracker; injected so the service never reaches for global state.
type Disconnector interface {
	ForceDisconnect(userID, reason string) int
}

// nopDisconnector lets the service run without a realtime layer (CLI tools, tests).
type nopDisconnector struct{}

func (nopDisconnector) ForceDisconnect(string, string) int { return 0 }

// Result is the outcome of a successful authentication.
type Result struct {
	User   identity.User
	Tokens session.Pair
}

// Service implements signup, login, OAuth callback, refresh and the
// revocation flows.
type Service struct {
	log      *slog.Logger
	users    identity.Store
	sessions *session.Service
	conns    Disconnector
	pw       password.Config
}

// NewService wires the orchestrator.
func NewService(log *slog.Logger, users identity.Store, sessions *session.Service, conns Disconnector, pw password.Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if conns == nil {
		conns = nopDisconnector{}
	}
	return &Service{log: log, users: users, sessions: sessions, conns: conns, pw: pw}
}

// Sessions exposes the session service (devices list, access verification).
func (s *Service) Sessions() *session.Service { return s.sessions }

// User loads a user by id.
func (s *Service) User(ctx context.Context, id string) (identity.User, error) {
	return s.users.FindUserByID(ctx, id)
}

// Signup registers a local account, issues a token pair and creates the
// device's session. A duplicate email fails with ErrDuplicateCredential and
// no state change.
func (s *Service) Signup(ctx context.Context, email, plaintext string, dev session.DeviceInfo) (Result, error) {
	now := time.Now().UTC()

	hash, err := s.pw.Hash(plaintext)
	if err != nil {
		return Result{}, err
	}

	user, err := s.users.CreateUser(ctx, identity.CreateUserInput{Email: email, Now: now})
	if err != nil {
		return Result{}, err
	}

	if _, err := s.users.CreateCredential(ctx, identity.CreateCredentialInput{
		UserID:       user.ID,
		Provider:     identity.ProviderLocal,
		ProviderID:   identity.LocalProviderID(email),
		PasswordHash: hash,
		Now:          now,
	}); err != nil {
		return Result{}, err
	}

	return s.issue(ctx, now, user, dev)
}

// Login authenticates a local credential and creates/revives the device's session.
func (s *Service) Login(ctx context.Context, email, plaintext string, dev session.DeviceInfo) (Result, error) {
	now := time.Now().UTC()

	cred, err := s.users.FindCredential(ctx, identity.ProviderLocal, identity.LocalProviderID(email))
	if err != nil {
		if identity.IsNotFound(err) {
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, err
	}

	ok, err := s.pw.Verify(cred.PasswordHash, plaintext)
	if err != nil || !ok {
		return Result{}, ErrInvalidCredentials
	}

	user, err := s.users.FindUserByID(ctx, cred.UserID)
	if err != nil {
		return Result{}, err
	}
	if !user.Active {
		return Result{}, identity.OpError{Op: "auth.Login", Kind: identity.ErrUserInactive}
	}

	return s.issue(ctx, now, user, dev)
}

// OAuthLogin consumes a provider callback profile: finds or creates the user
// and credential record, stores the provider tokens, and issues a session.
// The device id must be the client's stable identifier, never a fresh random
// value per callback.
func (s *Service) OAuthLogin(ctx context.Context, p Profile, dev session.DeviceInfo) (Result, error) {
	now := time.Now().UTC()

	cred, err := s.users.FindCredential(ctx, p.Provider, p.ProviderID)
	switch {
	case err == nil:
		_ = s.users.UpdateOAuthTokens(ctx, cred.ID, p.AccessToken, p.RefreshToken, nil)

	case identity.IsNotFound(err):
		user, uerr := s.users.FindUserByEmail(ctx, p.Email)
		if identity.IsNotFound(uerr) {
			user, uerr = s.users.CreateUser(ctx, identity.CreateUserInput{
				Email:         p.Email,
				EmailVerified: p.EmailVerified,
				Now:           now,
			})
		}
		if uerr != nil {
			return Result{}, uerr
		}

		cred, err = s.users.CreateCredential(ctx, identity.CreateCredentialInput{
			UserID:            user.ID,
			Provider:          p.Provider,
			ProviderID:        p.ProviderID,
			OAuthAccessToken:  p.AccessToken,
			OAuthRefreshToken: p.RefreshToken,
			Verified:          p.EmailVerified,
			Now:               now,
		})
		if err != nil {
			return Result{}, err
		}

	default:
		return Result{}, err
	}

	user, err := s.users.FindUserByID(ctx, cred.UserID)
	if err != nil {
		return Result{}, err
	}
	if !user.Active {
		return Result{}, identity.OpError{Op: "auth.OAuthLogin", Kind: identity.ErrUserInactive}
	}

	return s.issue(ctx, now, user, dev)
}

// Refresh rotates the device's refresh token. A rotated or revoked token
// fails with ErrSessionNotFound; the client must re-authenticate in full.
func (s *Service) Refresh(ctx context.Context, refreshToken, deviceID string) (session.Pair, error) {
	return s.sessions.Rotate(ctx, time.Now().UTC(), refreshToken, deviceID)
}

// Logout deactivates the device's session, then severs the user's live
// connections. Connection granularity is per-user, so all of the user's
// connections receive the notice.
func (s *Service) Logout(ctx context.Context, userID, refreshToken, deviceID string) error {
	if err := s.sessions.Revoke(ctx, time.Now().UTC(), refreshToken, deviceID); err != nil {
		return err
	}
	s.conns.ForceDisconnect(userID, ReasonLogout)
	return nil
}

// LogoutAll deactivates every session for the user, then severs all live connections.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.sessions.RevokeAll(ctx, time.Now().UTC(), userID, ""); err != nil {
		return err
	}
	s.conns.ForceDisconnect(userID, ReasonLogoutAll)
	return nil
}

// RevokeDevice deactivates one device's session from the "your devices"
// list, then severs the user's live connections. The device must belong to
// userID: revocation-by-id is only ever ownership-bound, so the operation
// cannot be used to clear (or probe) another user's devices. An unowned or
// inactive device fails with session.ErrSessionNotFound.
func (s *Service) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	now := time.Now().UTC()

	rows, err := s.sessions.Devices(ctx, userID, now)
	if err != nil {
		return err
	}
	owned := false
	for _, row := range rows {
		if row.DeviceID == deviceID {
			owned = true
			break
		}
	}
	if !owned {
		return session.ErrSessionNotFound
	}

	if err := s.sessions.RevokeDevice(ctx, now, deviceID); err != nil {
		return err
	}
	s.conns.ForceDisconnect(userID, ReasonRevoked)
	return nil
}

// RequestPasswordReset mints a single-purpose reset token for the account's
// email. Delivery is an external collaborator's concern.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	tok, _, err := s.sessions.Tokens().IssueSingleUse(session.TypePasswordReset, session.Identity{
		UserID: user.ID,
		Email:  user.Email,
	}, time.Now().UTC())
	return tok, err
}

// ResetPassword verifies the reset token, re-hashes the credential, revokes
// every session and severs all live connections, in that order.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPlaintext string) error {
	now := time.Now().UTC()

	claims, err := s.sessions.Tokens().VerifySingleUse(resetToken, session.TypePasswordReset, now)
	if err != nil {
		return err
	}

	hash, err := s.pw.Hash(newPlaintext)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, claims.Subject, hash); err != nil {
		return err
	}

	if err := s.sessions.RevokeAll(ctx, now, claims.Subject, ""); err != nil {
		return err
	}
	s.conns.ForceDisconnect(claims.Subject, ReasonPasswordReset)
	return nil
}

// RequestEmailVerification mints a single-purpose verification token for the
// account's email. Delivery is an external collaborator's concern.
func (s *Service) RequestEmailVerification(ctx context.Context, userID string) (string, error) {
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	tok, _, err := s.sessions.Tokens().IssueSingleUse(session.TypeEmailVerify, session.Identity{
		UserID: user.ID,
		Email:  user.Email,
	}, time.Now().UTC())
	return tok, err
}

// VerifyEmail consumes a single-purpose verification token.
func (s *Service) VerifyEmail(ctx context.Context, verifyToken string) error {
	claims, err := s.sessions.Tokens().VerifySingleUse(verifyToken, session.TypeEmailVerify, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.users.MarkEmailVerified(ctx, claims.Subject)
}

// Deactivate soft-deactivates the account, revokes every session and severs
// all live connections.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	now := time.Now().UTC()

	if err := s.users.DeactivateUser(ctx, userID, now); err != nil {
		return err
	}
	if err := s.sessions.RevokeAll(ctx, now, userID, ""); err != nil {
		return err
	}
	s.conns.ForceDisconnect(userID, ReasonDeactivated)
	return nil
}

func (s *Service) issue(ctx context.Context, now time.Time, user identity.User, dev session.DeviceInfo) (Result, error) {
	pair, err := s.sessions.Issue(ctx, now, session.Identity{
		UserID:    user.ID,
		Email:     user.Email,
		Onboarded: user.Onboarded,
	}, dev)
	if err != nil {
		return Result{}, err
	}

	// Best-effort; login succeeds even if the stamp is lost.
	if err := s.users.TouchLastActive(ctx, user.ID, now); err != nil {
		s.log.Debug("auth.touch.fail", "user_id", user.ID, "err", err)
	}

	return Result{User: user, Tokens: pair}, nil
}
