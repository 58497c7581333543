package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements Store using PostgreSQL (stride.sessions).
//
// Per-device serialization is enforced by the database, not by locks: both
// Upsert (ON CONFLICT on the unique device_id) and ReplaceToken (conditional
// UPDATE keyed on the current token hash) are single atomic statements, so
// the store is safe with any number of server processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `
	id, user_id, device_id, refresh_token_hash, refresh_expires_at, is_active,
	device_name, device_type, browser, os, ip, user_agent,
	login_at, last_active_at, logout_at
`

// Upsert creates or revives the session row for dev.DeviceID.
func (s *PostgresStore) Upsert(ctx context.Context, now time.Time, userID string, dev DeviceInfo, refreshHash string, expiresAt time.Time) (Row, error) {
	id := ulid.Make().String()

	var ip net.IP
	if dev.IP != nil {
		ip = dev.IP
	}

	row := Row{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stride.sessions (
			id, user_id, device_id, refresh_token_hash, refresh_expires_at, is_active,
			device_name, device_type, browser, os, ip, user_agent,
			login_at, last_active_at, logout_at
		) VALUES (
			$1, $2, $3, $4, $5, TRUE,
			$6, $7, $8, $9, $10, $11,
			$12, $12, NULL
		)
		ON CONFLICT (device_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			refresh_token_hash = EXCLUDED.refresh_token_hash,
			refresh_expires_at = EXCLUDED.refresh_expires_at,
			is_active = TRUE,
			device_name = EXCLUDED.device_name,
			device_type = EXCLUDED.device_type,
			browser = EXCLUDED.browser,
			os = EXCLUDED.os,
			ip = EXCLUDED.ip,
			user_agent = EXCLUDED.user_agent,
			login_at = EXCLUDED.login_at,
			last_active_at = EXCLUDED.last_active_at,
			logout_at = NULL
		RETURNING id
	`,
		id, userID, dev.DeviceID, refreshHash, expiresAt,
		nullIfEmpty(dev.Name), nullIfEmpty(dev.Type), nullIfEmpty(dev.Browser), nullIfEmpty(dev.OS), ip, nullIfEmpty(dev.UserAgent),
		now,
	).Scan(&row.ID)
	if err != nil {
		return Row{}, err
	}

	row.UserID = userID
	row.DeviceID = dev.DeviceID
	row.RefreshTokenHash = refreshHash
	row.RefreshExpiresAt = expiresAt
	row.Active = true
	row.Device = dev
	row.LoginAt = now
	row.LastActiveAt = now
	return row, nil
}

// FindActive returns active, unexpired sessions ordered most-recently-active first.
func (s *PostgresStore) FindActive(ctx context.Context, userID string, now time.Time) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM stride.sessions
		WHERE user_id = $1 AND is_active AND refresh_expires_at > $2
		ORDER BY last_active_at DESC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindForRefresh requires an exact match on every condition; any mismatch is
// the same ErrSessionNotFound.
func (s *PostgresStore) FindForRefresh(ctx context.Context, deviceID, refreshHash string, now time.Time) (Row, error) {
	r, err := scanRow(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM stride.sessions
		WHERE device_id = $1 AND refresh_token_hash = $2 AND is_active AND refresh_expires_at > $3
	`, deviceID, refreshHash, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return r, nil
}

// ReplaceToken is the rotation enforcement point: a conditional update keyed
// on the token hash matching its pre-read value. Zero affected rows means the
// token was already rotated or the session revoked.
func (s *PostgresStore) ReplaceToken(ctx context.Context, now time.Time, deviceID, oldHash, newHash string, newExpiry time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stride.sessions
		SET refresh_token_hash = $3,
		    refresh_expires_at = $4,
		    last_active_at = $5
		WHERE device_id = $1
		  AND refresh_token_hash = $2
		  AND is_active
		  AND refresh_expires_at > $5
	`, deviceID, oldHash, newHash, newExpiry, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Deactivate marks a device's session inactive and clears its token (idempotent).
func (s *PostgresStore) Deactivate(ctx context.Context, now time.Time, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stride.sessions
		SET is_active = FALSE,
		    refresh_token_hash = NULL,
		    logout_at = COALESCE(logout_at, $2)
		WHERE device_id = $1 AND is_active
	`, deviceID, now)
	return err
}

// DeactivateAll deactivates every active session for the user except exceptDeviceID.
func (s *PostgresStore) DeactivateAll(ctx context.Context, now time.Time, userID, exceptDeviceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stride.sessions
		SET is_active = FALSE,
		    refresh_token_hash = NULL,
		    logout_at = COALESCE(logout_at, $2)
		WHERE user_id = $1 AND is_active AND ($3 = '' OR device_id <> $3)
	`, userID, now, exceptDeviceID)
	return err
}

// Touch updates last_active_at for a device's session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stride.sessions
		SET last_active_at = $2
		WHERE device_id = $1
	`, deviceID, now)
	return err
}

// SweepExpired deactivates sessions whose refresh expiry has passed.
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stride.sessions
		SET is_active = FALSE,
		    refresh_token_hash = NULL,
		    logout_at = COALESCE(logout_at, $1)
		WHERE is_active AND refresh_expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (Row, error) {
	var (
		r         Row
		hash      *string
		name      *string
		devType   *string
		browser   *string
		osName    *string
		ip        net.IP
		userAgent *string
	)
	err := sc.Scan(
		&r.ID, &r.UserID, &r.DeviceID, &hash, &r.RefreshExpiresAt, &r.Active,
		&name, &devType, &browser, &osName, &ip, &userAgent,
		&r.LoginAt, &r.LastActiveAt, &r.LogoutAt,
	)
	if err != nil {
		return Row{}, err
	}

	if hash != nil {
		r.RefreshTokenHash = *hash
	}
	r.Device = DeviceInfo{
		DeviceID:  r.DeviceID,
		Name:      deref(name),
		Type:      deref(devType),
		Browser:   deref(browser),
		OS:        deref(osName),
		IP:        ip,
		UserAgent: deref(userAgent),
	}
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
