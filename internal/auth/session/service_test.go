package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"stride/internal/security/token"
)

func hashOf(tok string) string { return token.HashRefreshTokenHex(tok) }

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewService(testConfig(), store, nil)
	require.NoError(t, err)
	return svc, store
}

func testIdentity(user string) Identity {
	return Identity{UserID: user, Email: user + "@stride.test"}
}

func TestService_IssueUpsertsPerDevice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p1, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a", Name: "laptop"})
	require.NoError(t, err)

	// Logging in again on the same device replaces the row instead of
	// accumulating a second one.
	p2, err := svc.Issue(ctx, now.Add(time.Second), testIdentity("u1"), DeviceInfo{DeviceID: "dev-a", Name: "laptop"})
	require.NoError(t, err)

	rows, err := svc.Devices(ctx, "u1", now.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "dev-a", rows[0].DeviceID)

	// The first pair's refresh token died with the upsert.
	_, err = svc.Rotate(ctx, now.Add(2*time.Second), p1.RefreshToken, "dev-a")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Rotate(ctx, now.Add(2*time.Second), p2.RefreshToken, "dev-a")
	require.NoError(t, err)
}

func TestService_IssueRejectsEmptyDevice(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Issue(context.Background(), time.Now().UTC(), testIdentity("u1"), DeviceInfo{DeviceID: "   "})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RotateRejectsReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p1, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)

	p2, err := svc.Rotate(ctx, now.Add(time.Minute), p1.RefreshToken, "dev-a")
	require.NoError(t, err)
	require.NotEqual(t, p1.RefreshToken, p2.RefreshToken)

	// Replaying the rotated-away token must fail even though the JWT itself
	// is still valid for weeks.
	_, err = svc.Rotate(ctx, now.Add(2*time.Minute), p1.RefreshToken, "dev-a")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The winner keeps working.
	_, err = svc.Rotate(ctx, now.Add(3*time.Minute), p2.RefreshToken, "dev-a")
	require.NoError(t, err)
}

func TestService_RotateEnforcesDeviceBinding(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, now.Add(time.Minute), p.RefreshToken, "dev-b")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_RevokeIsIdempotentAndDeviceBound(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pa, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)
	pb, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-b"})
	require.NoError(t, err)

	// Device A's token presented against device B must not clear B's row.
	require.NoError(t, svc.Revoke(ctx, now.Add(time.Second), pa.RefreshToken, "dev-b"))
	_, err = store.FindForRefresh(ctx, "dev-b", hashOf(pb.RefreshToken), now.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, now.Add(time.Second), pa.RefreshToken, "dev-a"))
	_, err = svc.Rotate(ctx, now.Add(2*time.Second), pa.RefreshToken, "dev-a")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Revoking again, or revoking a device that never existed, is a no-op.
	require.NoError(t, svc.Revoke(ctx, now.Add(3*time.Second), pa.RefreshToken, "dev-a"))
	require.NoError(t, svc.Revoke(ctx, now.Add(3*time.Second), "garbage-token", "dev-unknown"))
}

func TestService_RevokeAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pa, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)
	pb, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-b"})
	require.NoError(t, err)
	other, err := svc.Issue(ctx, now, testIdentity("u2"), DeviceInfo{DeviceID: "dev-c"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAll(ctx, now.Add(time.Second), "u1", ""))

	_, err = svc.Rotate(ctx, now.Add(time.Minute), pa.RefreshToken, "dev-a")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.Rotate(ctx, now.Add(time.Minute), pb.RefreshToken, "dev-b")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Another user's sessions are untouched.
	_, err = svc.Rotate(ctx, now.Add(time.Minute), other.RefreshToken, "dev-c")
	require.NoError(t, err)
}

func TestService_RevokeAllExceptCurrentDevice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pa, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)
	pb, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-b"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAll(ctx, now.Add(time.Second), "u1", "dev-a"))

	_, err = svc.Rotate(ctx, now.Add(time.Minute), pa.RefreshToken, "dev-a")
	require.NoError(t, err)
	_, err = svc.Rotate(ctx, now.Add(time.Minute), pb.RefreshToken, "dev-b")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_SweepExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-b"})
	require.NoError(t, err)

	n, err := svc.SweepExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)

	past := now.Add(testConfig().RefreshTokenTTL + time.Hour)
	n, err = svc.SweepExpired(ctx, past)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	rows, err := svc.Devices(ctx, "u1", past)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMemoryStore_ReplaceTokenLosesStaleRace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Upsert(ctx, now, "u1", DeviceInfo{DeviceID: "dev-a"}, "hash-1", now.Add(time.Hour))
	require.NoError(t, err)

	// First swap wins.
	require.NoError(t, store.ReplaceToken(ctx, now, "dev-a", "hash-1", "hash-2", now.Add(time.Hour)))

	// A concurrent caller still holding hash-1 loses.
	err = store.ReplaceToken(ctx, now, "dev-a", "hash-1", "hash-3", now.Add(time.Hour))
	require.ErrorIs(t, err, ErrSessionNotFound)

	row, err := store.FindForRefresh(ctx, "dev-a", "hash-2", now)
	require.NoError(t, err)
	require.Equal(t, "hash-2", row.RefreshTokenHash)
}

func TestService_RevokeRequiresTokenProof(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	victim, err := svc.Issue(ctx, now, testIdentity("u2"), DeviceInfo{DeviceID: "dev-victim"})
	require.NoError(t, err)

	// A caller who knows the device id but holds no token for it cannot
	// deactivate the session.
	require.NoError(t, svc.Revoke(ctx, now.Add(time.Second), "", "dev-victim"))
	require.NoError(t, svc.Revoke(ctx, now.Add(time.Second), "not-a-jwt", "dev-victim"))

	_, err = svc.Rotate(ctx, now.Add(time.Minute), victim.RefreshToken, "dev-victim")
	require.NoError(t, err)
}

func TestService_RevokeAcceptsMatchingOpaqueToken(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A row whose stored hash matches a token the verifier would reject
	// (e.g. minted before a signing-key rotation) can still be logged out.
	_, err := store.Upsert(ctx, now, "u1", DeviceInfo{DeviceID: "dev-old"}, hashOf("pre-rotation-token"), now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, now.Add(time.Second), "pre-rotation-token", "dev-old"))

	_, err = store.FindForRefresh(ctx, "dev-old", hashOf("pre-rotation-token"), now.Add(time.Second))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_RotateKeepsOnboardedFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := testIdentity("u1")
	id.Onboarded = true

	p1, err := svc.Issue(ctx, now, id, DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)

	p2, err := svc.Rotate(ctx, now.Add(time.Minute), p1.RefreshToken, "dev-a")
	require.NoError(t, err)

	claims, err := svc.VerifyAccess(p2.AccessToken, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claims.Onboarded)

	// And it survives a second rotation, not just the first.
	p3, err := svc.Rotate(ctx, now.Add(2*time.Minute), p2.RefreshToken, "dev-a")
	require.NoError(t, err)
	claims, err = svc.VerifyAccess(p3.AccessToken, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, claims.Onboarded)
}

// brokenStore simulates an unreachable backing store for the lookup path.
type brokenStore struct {
	*MemoryStore
	err error
}

func (b *brokenStore) FindForRefresh(ctx context.Context, deviceID, refreshHash string, now time.Time) (Row, error) {
	return Row{}, b.err
}

func TestService_RotateReportsStoreFailureAsSuch(t *testing.T) {
	errDown := errors.New("connection refused")
	store := &brokenStore{MemoryStore: NewMemoryStore(), err: errDown}
	svc, err := NewService(testConfig(), store, nil)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()

	pair, err := svc.Issue(ctx, now, testIdentity("u1"), DeviceInfo{DeviceID: "dev-a"})
	require.NoError(t, err)

	replayBefore := testutil.ToFloat64(metricRotations.WithLabelValues("replay"))
	downBefore := testutil.ToFloat64(metricRotations.WithLabelValues("store_error"))

	_, err = svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken, "dev-a")
	require.ErrorIs(t, err, errDown)
	require.NotErrorIs(t, err, ErrSessionNotFound)

	// An outage must not be counted as a replay.
	require.Equal(t, replayBefore, testutil.ToFloat64(metricRotations.WithLabelValues("replay")))
	require.Equal(t, downBefore+1, testutil.ToFloat64(metricRotations.WithLabelValues("store_error")))
}
