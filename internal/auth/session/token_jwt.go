package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type markers (the "typ" claim). A token of one type must never be
// accepted where another is expected; Verify* enforces this.
const (
	TypeAccess        = "access"
	TypeRefresh       = "refresh"
	TypePasswordReset = "password_reset"
	TypeEmailVerify   = "email_verify"
)

// Claims is the Stride token payload.
//
// Both token kinds carry the onboarding flag: the client shell reads it off
// the access token, and rotation reads it off the old refresh token so the
// re-issued pair keeps it. Refresh tokens additionally carry a unique jti
// (RegisteredClaims.ID) so two sessions never share a token value even when
// issued in the same instant.
type Claims struct {
	jwt.RegisteredClaims

	Email     string `json:"email"`
	DeviceID  string `json:"did"`
	TokenType string `json:"typ"`
	Onboarded bool   `json:"onboarded,omitempty"`
}

// Pair is the result of issuing or rotating tokens. It is never persisted;
// callers store hash(RefreshToken) into a session row separately.
type Pair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Identity is the caller-supplied claim set for issuance.
type Identity struct {
	UserID    string
	Email     string
	DeviceID  string
	Onboarded bool
}

// TokenManager issues and verifies Stride's signed tokens (HS256).
type TokenManager struct {
	cfg           Config
	accessSecret  []byte
	refreshSecret []byte
}

// NewTokenManager builds a TokenManager. Fails with ErrConfig when either
// signing secret is unset.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TokenManager{
		cfg:           cfg,
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
	}, nil
}

// IssuePair mints a fresh access/refresh token pair for id. It has no side
// effects beyond signing.
func (m *TokenManager) IssuePair(id Identity, now time.Time) (Pair, error) {
	accessExp := now.Add(m.cfg.AccessTokenTTL)
	refreshExp := now.Add(m.cfg.RefreshTokenTTL)

	access, err := m.sign(m.accessSecret, Claims{
		RegisteredClaims: m.registered(id.UserID, now, accessExp),
		Email:            id.Email,
		DeviceID:         id.DeviceID,
		TokenType:        TypeAccess,
		Onboarded:        id.Onboarded,
	})
	if err != nil {
		return Pair{}, err
	}

	refreshClaims := Claims{
		RegisteredClaims: m.registered(id.UserID, now, refreshExp),
		Email:            id.Email,
		DeviceID:         id.DeviceID,
		TokenType:        TypeRefresh,
		Onboarded:        id.Onboarded,
	}
	refreshClaims.ID = uuid.NewString()

	refresh, err := m.sign(m.refreshSecret, refreshClaims)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// IssueSingleUse mints a password-reset or email-verification token. These
// sign with the access secret but are not part of the session chain.
func (m *TokenManager) IssueSingleUse(typ string, id Identity, now time.Time) (string, time.Time, error) {
	var ttl time.Duration
	switch typ {
	case TypePasswordReset:
		ttl = m.cfg.PasswordResetTTL
	case TypeEmailVerify:
		ttl = m.cfg.EmailVerifyTTL
	default:
		return "", time.Time{}, ErrConfig
	}

	exp := now.Add(ttl)
	tok, err := m.sign(m.accessSecret, Claims{
		RegisteredClaims: m.registered(id.UserID, now, exp),
		Email:            id.Email,
		TokenType:        typ,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// VerifyAccess verifies an access token and returns its claims.
func (m *TokenManager) VerifyAccess(token string, now time.Time) (Claims, error) {
	return m.verify(token, m.accessSecret, TypeAccess, now)
}

// VerifyRefresh verifies a refresh token and returns its claims.
func (m *TokenManager) VerifyRefresh(token string, now time.Time) (Claims, error) {
	return m.verify(token, m.refreshSecret, TypeRefresh, now)
}

// VerifySingleUse verifies a password-reset or email-verification token.
func (m *TokenManager) VerifySingleUse(token, typ string, now time.Time) (Claims, error) {
	return m.verify(token, m.accessSecret, typ, now)
}

func (m *TokenManager) registered(userID string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.cfg.Issuer,
		Audience:  jwt.ClaimStrings{m.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (m *TokenManager) sign(secret []byte, c Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

func (m *TokenManager) verify(token string, secret []byte, wantType string, now time.Time) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(m.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.cfg.ClockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Claims{}, TokenError{Reason: classifyJWTErr(err), Err: err}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, TokenError{Reason: ReasonMalformed}
	}
	if claims.TokenType != wantType {
		return Claims{}, TokenError{Reason: ReasonWrongType}
	}

	return *claims, nil
}

func classifyJWTErr(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonBadSignature
	default:
		return ReasonMalformed
	}
}
