package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"stride/internal/security/token"
)

// Service implements the high-level session operations for Stride.
//
// It issues signed token pairs, validates access tokens, performs refresh
// rotation with replay rejection, and supports per-device and per-user
// revocation. The registry row is the source of truth for "which devices may
// currently refresh which user's credentials".
type Service struct {
	cfg    Config
	tokens *TokenManager
	store  Store
	log    *slog.Logger
}

// NewService constructs a Service with the provided configuration and store.
func NewService(cfg Config, store Store, log *slog.Logger) (*Service, error) {
	tm, err := NewTokenManager(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, tokens: tm, store: store, log: log}, nil
}

// Tokens exposes the token manager for boundaries that only verify
// (the realtime handshake, single-purpose token flows).
func (s *Service) Tokens() *TokenManager { return s.tokens }

// Issue mints a token pair for id and upserts the device's session row.
// Re-authenticating on a previously logged-out device revives that device's
// row rather than creating a duplicate.
func (s *Service) Issue(ctx context.Context, now time.Time, id Identity, dev DeviceInfo) (Pair, error) {
	dev.DeviceID = strings.TrimSpace(dev.DeviceID)
	if dev.DeviceID == "" {
		return Pair{}, TokenError{Reason: ReasonMalformed}
	}
	id.DeviceID = dev.DeviceID

	pair, err := s.tokens.IssuePair(id, now)
	if err != nil {
		return Pair{}, err
	}

	if _, err := s.store.Upsert(ctx, now, id.UserID, dev, token.HashRefreshTokenHex(pair.RefreshToken), pair.RefreshExp); err != nil {
		return Pair{}, err
	}

	metricPairsIssued.Inc()
	return pair, nil
}

// VerifyAccess verifies an access token.
func (s *Service) VerifyAccess(tok string, now time.Time) (Claims, error) {
	claims, err := s.tokens.VerifyAccess(tok, now)
	if err != nil {
		countTokenErr(err)
	}
	return claims, err
}

// Rotate performs refresh rotation.
//
// The old refresh token is verified, then atomically replaced in the store:
// the conditional update applies only while the row still holds the old
// token's hash, is active, and is unexpired. Zero rows updated means replay
// of a rotated/revoked token (or losing a concurrent-refresh race) and fails
// with ErrSessionNotFound. Rotation is the single irreversible step: once it
// commits, the old token is dead even if the new pair is never delivered.
func (s *Service) Rotate(ctx context.Context, now time.Time, oldRefresh, deviceID string) (Pair, error) {
	claims, err := s.tokens.VerifyRefresh(oldRefresh, now)
	if err != nil {
		countTokenErr(err)
		metricRotations.WithLabelValues("bad_token").Inc()
		return Pair{}, err
	}

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || claims.DeviceID != deviceID {
		metricRotations.WithLabelValues("device_mismatch").Inc()
		return Pair{}, ErrSessionNotFound
	}

	row, err := s.store.FindForRefresh(ctx, deviceID, token.HashRefreshTokenHex(oldRefresh), now)
	if err != nil {
		countRotationFailure(err)
		return Pair{}, err
	}

	pair, err := s.tokens.IssuePair(Identity{
		UserID:    row.UserID,
		Email:     claims.Email,
		DeviceID:  deviceID,
		Onboarded: claims.Onboarded,
	}, now)
	if err != nil {
		return Pair{}, err
	}

	err = s.store.ReplaceToken(ctx, now, deviceID,
		token.HashRefreshTokenHex(oldRefresh),
		token.HashRefreshTokenHex(pair.RefreshToken),
		pair.RefreshExp,
	)
	if err != nil {
		// ErrSessionNotFound here means we lost a concurrent-refresh race
		// between the find and the swap.
		countRotationFailure(err)
		return Pair{}, err
	}

	metricPairsIssued.Inc()
	metricRotations.WithLabelValues("ok").Inc()
	return pair, nil
}

// Revoke marks the matching session inactive and clears its stored token.
// Idempotent: revoking an already-inactive or absent session succeeds.
//
// Deactivation requires proof of ownership: either the refresh token
// verifies and its device binding matches, or its hash still matches the
// stored row. A bare device id without the right token is a no-op, so one
// caller can never clear another user's device.
func (s *Service) Revoke(ctx context.Context, now time.Time, refreshToken, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}

	if claims, err := s.tokens.VerifyRefresh(refreshToken, now); err == nil {
		if claims.DeviceID != deviceID {
			return nil
		}
		return s.store.Deactivate(ctx, now, deviceID)
	}

	// Unverifiable token: only the conditional match on the stored hash may
	// authorize the deactivation.
	if _, err := s.store.FindForRefresh(ctx, deviceID, token.HashRefreshTokenHex(refreshToken), now); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return s.store.Deactivate(ctx, now, deviceID)
}

// RevokeDevice deactivates a single device's session without requiring the
// refresh token (session-revoke-by-id from the devices list).
func (s *Service) RevokeDevice(ctx context.Context, now time.Time, deviceID string) error {
	return s.store.Deactivate(ctx, now, strings.TrimSpace(deviceID))
}

// RevokeAll deactivates every active session for userID except the
// optionally excluded device. Used for logout-everywhere, password reset and
// account deactivation.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID, exceptDeviceID string) error {
	return s.store.DeactivateAll(ctx, now, userID, exceptDeviceID)
}

// Devices lists the user's active sessions, most recently active first.
func (s *Service) Devices(ctx context.Context, userID string, now time.Time) ([]Row, error) {
	return s.store.FindActive(ctx, userID, now)
}

// Touch updates last_active_at for a device's session (best-effort).
func (s *Service) Touch(ctx context.Context, now time.Time, deviceID string) error {
	return s.store.Touch(ctx, now, deviceID)
}

// SweepExpired deactivates sessions whose refresh expiry has passed.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.store.SweepExpired(ctx, now)
}

// RunSweeper runs SweepExpired on the configured interval until ctx is done.
// Failures only delay cleanup; they never corrupt state.
func (s *Service) RunSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				s.log.Warn("session.sweep.fail", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("session.sweep.done", "deactivated", n)
			}
		}
	}
}
