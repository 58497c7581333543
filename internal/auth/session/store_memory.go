package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database is configured and
// as a fixture in tests. It provides the same compare-and-swap rotation
// guarantee as the Postgres store, scoped to one process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row // device_id -> row
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

// Upsert creates or revives the session row for dev.DeviceID.
func (s *MemoryStore) Upsert(ctx context.Context, now time.Time, userID string, dev DeviceInfo, refreshHash string, expiresAt time.Time) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	id, err := newSessionID(now)
	if err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[dev.DeviceID]
	if !ok {
		r = &Row{ID: id, DeviceID: dev.DeviceID}
		s.rows[dev.DeviceID] = r
	}

	r.UserID = userID
	r.RefreshTokenHash = refreshHash
	r.RefreshExpiresAt = expiresAt
	r.Active = true
	r.Device = dev
	r.LoginAt = now
	r.LastActiveAt = now
	r.LogoutAt = nil

	return *r, nil
}

// FindActive returns active, unexpired sessions ordered most-recently-active first.
func (s *MemoryStore) FindActive(ctx context.Context, userID string, now time.Time) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for _, r := range s.rows {
		if r.UserID == userID && r.Active && r.RefreshExpiresAt.After(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

// FindForRefresh requires an exact match on every condition.
func (s *MemoryStore) FindForRefresh(ctx context.Context, deviceID, refreshHash string, now time.Time) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[deviceID]
	if !ok || !r.Active || r.RefreshTokenHash == "" || r.RefreshTokenHash != refreshHash || !r.RefreshExpiresAt.After(now) {
		return Row{}, ErrSessionNotFound
	}
	return *r, nil
}

// ReplaceToken swaps the stored token only while it still equals oldHash.
func (s *MemoryStore) ReplaceToken(ctx context.Context, now time.Time, deviceID, oldHash, newHash string, newExpiry time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[deviceID]
	if !ok || !r.Active || r.RefreshTokenHash == "" || r.RefreshTokenHash != oldHash || !r.RefreshExpiresAt.After(now) {
		return ErrSessionNotFound
	}

	r.RefreshTokenHash = newHash
	r.RefreshExpiresAt = newExpiry
	r.LastActiveAt = now
	return nil
}

// Deactivate marks a device's session inactive and clears its token (idempotent).
func (s *MemoryStore) Deactivate(ctx context.Context, now time.Time, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[deviceID]; ok && r.Active {
		deactivate(r, now)
	}
	return nil
}

// DeactivateAll deactivates every active session for the user except exceptDeviceID.
func (s *MemoryStore) DeactivateAll(ctx context.Context, now time.Time, userID, exceptDeviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.UserID == userID && r.Active && r.DeviceID != exceptDeviceID {
			deactivate(r, now)
		}
	}
	return nil
}

// Touch updates last_active_at.
func (s *MemoryStore) Touch(ctx context.Context, now time.Time, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[deviceID]; ok {
		r.LastActiveAt = now
	}
	return nil
}

// SweepExpired deactivates sessions whose refresh expiry has passed.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.rows {
		if r.Active && !r.RefreshExpiresAt.After(now) {
			deactivate(r, now)
			n++
		}
	}
	return n, nil
}

func deactivate(r *Row, now time.Time) {
	r.Active = false
	r.RefreshTokenHash = ""
	if r.LogoutAt == nil {
		t := now
		r.LogoutAt = &t
	}
}
