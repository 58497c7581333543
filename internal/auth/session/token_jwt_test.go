package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AccessSecret = "test-access-secret-0123456789abcdef"
	cfg.RefreshSecret = "test-refresh-secret-0123456789abcdef"
	return cfg
}

func TestTokenManager_IssueAndVerifyRoundTrip(t *testing.T) {
	mgr, err := NewTokenManager(testConfig())
	require.NoError(t, err)

	now := time.Now().UTC()
	id := Identity{UserID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", Email: "a@x.com", DeviceID: "dev-1", Onboarded: true}

	pair, err := mgr.IssuePair(id, now)
	require.NoError(t, err)
	require.True(t, pair.AccessExp.After(now))
	require.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := mgr.VerifyAccess(pair.AccessToken, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, TypeAccess, claims.TokenType)
	require.Equal(t, id.UserID, claims.Subject)
	require.Equal(t, id.Email, claims.Email)
	require.Equal(t, "dev-1", claims.DeviceID)
	require.True(t, claims.Onboarded)

	rc, err := mgr.VerifyRefresh(pair.RefreshToken, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, TypeRefresh, rc.TokenType)
	require.NotEmpty(t, rc.ID, "refresh token must carry a unique jti")
}

func TestTokenManager_TypeMarkerEnforced(t *testing.T) {
	mgr, err := NewTokenManager(testConfig())
	require.NoError(t, err)

	now := time.Now().UTC()
	pair, err := mgr.IssuePair(Identity{UserID: "u1", Email: "a@x.com", DeviceID: "d1"}, now)
	require.NoError(t, err)

	// An access token must never be accepted where a refresh token is
	// expected; with distinct secrets this surfaces as a signature failure.
	_, err = mgr.VerifyRefresh(pair.AccessToken, now)
	require.ErrorIs(t, err, ErrInvalidToken)

	// A single-purpose token shares the access secret, so the type marker is
	// the only thing standing between it and the access chain.
	reset, _, err := mgr.IssueSingleUse(TypePasswordReset, Identity{UserID: "u1", Email: "a@x.com"}, now)
	require.NoError(t, err)

	_, err = mgr.VerifyAccess(reset, now)
	var te TokenError
	require.ErrorAs(t, err, &te)
	require.Equal(t, ReasonWrongType, te.Reason)

	claims, err := mgr.VerifySingleUse(reset, TypePasswordReset, now)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
}

func TestTokenManager_ExpiredIsDistinguishable(t *testing.T) {
	cfg := testConfig()
	mgr, err := NewTokenManager(cfg)
	require.NoError(t, err)

	now := time.Now().UTC()
	pair, err := mgr.IssuePair(Identity{UserID: "u1", Email: "a@x.com", DeviceID: "d1"}, now)
	require.NoError(t, err)

	late := now.Add(cfg.AccessTokenTTL + cfg.ClockSkew + time.Minute)
	_, err = mgr.VerifyAccess(pair.AccessToken, late)

	var te TokenError
	require.ErrorAs(t, err, &te)
	require.Equal(t, ReasonExpired, te.Reason)
	require.True(t, IsExpired(err))
}

func TestTokenManager_BadSignature(t *testing.T) {
	now := time.Now().UTC()

	mgr, err := NewTokenManager(testConfig())
	require.NoError(t, err)
	pair, err := mgr.IssuePair(Identity{UserID: "u1", Email: "a@x.com", DeviceID: "d1"}, now)
	require.NoError(t, err)

	other := testConfig()
	other.AccessSecret = "some-entirely-different-access-key"
	mgr2, err := NewTokenManager(other)
	require.NoError(t, err)

	_, err = mgr2.VerifyAccess(pair.AccessToken, now)
	var te TokenError
	require.ErrorAs(t, err, &te)
	require.Equal(t, ReasonBadSignature, te.Reason)

	_, err = mgr.VerifyAccess("not-a-token", now)
	require.ErrorAs(t, err, &te)
	require.Equal(t, ReasonMalformed, te.Reason)
}

func TestNewTokenManager_MissingSecrets(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewTokenManager(cfg)
	require.ErrorIs(t, err, ErrConfig)

	cfg.AccessSecret = "same-secret"
	cfg.RefreshSecret = "same-secret"
	_, err = NewTokenManager(cfg)
	require.ErrorIs(t, err, ErrConfig, "identical secrets must be rejected")
}
