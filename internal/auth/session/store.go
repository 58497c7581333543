package session

import (
	"context"
	"net"
	"time"
)

// DeviceInfo describes the client device that owns a session. DeviceID is a
// stable client-generated identifier persisted client-side; it is the
// session's identity across logins.
type DeviceInfo struct {
	DeviceID  string
	Name      string
	Type      string // web/ios/android/desktop
	Browser   string
	OS        string
	IP        net.IP
	UserAgent string
}

// Row mirrors the stride.sessions row used by the session registry.
// RefreshTokenHash is the only value rotation will accept; once overwritten
// or nulled the prior token is permanently unusable.
type Row struct {
	ID               string
	UserID           string
	DeviceID         string
	RefreshTokenHash string
	RefreshExpiresAt time.Time
	Active           bool

	Device DeviceInfo

	LoginAt      time.Time
	LastActiveAt time.Time
	LogoutAt     *time.Time
}

// Store abstracts persistence for session state.
//
// Rotation safety is the store's responsibility: ReplaceToken must be an
// atomic conditional update keyed on the current token hash, so two
// concurrent refresh attempts on the same device can never both succeed,
// even across processes.
type Store interface {
	// Upsert creates the session row for dev.DeviceID, or overwrites the
	// existing row (user binding, token, expiry, metadata, timestamps) and
	// reactivates it. Exactly one non-revoked row exists per device.
	Upsert(ctx context.Context, now time.Time, userID string, dev DeviceInfo, refreshHash string, expiresAt time.Time) (Row, error)

	// FindActive returns every active, unexpired session for userID,
	// ordered most-recently-active first.
	FindActive(ctx context.Context, userID string, now time.Time) ([]Row, error)

	// FindForRefresh requires an exact match on device id AND token hash AND
	// active AND unexpired. Any mismatch returns ErrSessionNotFound.
	FindForRefresh(ctx context.Context, deviceID, refreshHash string, now time.Time) (Row, error)

	// ReplaceToken atomically swaps the stored token: the update applies only
	// if the row still holds oldHash, is active, and is unexpired. Returns
	// ErrSessionNotFound when zero rows match (replay, revocation, race loss).
	ReplaceToken(ctx context.Context, now time.Time, deviceID, oldHash, newHash string, newExpiry time.Time) error

	// Deactivate marks the device's session inactive, stamps logout time and
	// nulls the token. Deactivating an absent or inactive session is a no-op.
	Deactivate(ctx context.Context, now time.Time, deviceID string) error

	// DeactivateAll deactivates every active session for userID except the
	// optionally excluded device (empty string excludes none).
	DeactivateAll(ctx context.Context, now time.Time, userID, exceptDeviceID string) error

	// Touch updates last_active_at for a device's session (best-effort).
	Touch(ctx context.Context, now time.Time, deviceID string) error

	// SweepExpired deactivates sessions whose refresh expiry has passed and
	// returns how many rows were affected. Purely advisory maintenance.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
