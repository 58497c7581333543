// Package password provides bcrypt hashing for local credentials.
//
// bcrypt is constant-time on verify and embeds salt + cost in the encoded
// hash, so the credential store persists a single opaque string.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptMaxPasswordBytes is the hard bcrypt input limit; longer inputs are
// silently truncated by the primitive, so we reject them explicitly.
const bcryptMaxPasswordBytes = 72

// Config is the single configuration surface for this package.
type Config struct {
	// Cost is the bcrypt work factor. Production deployments must use >= 12.
	Cost int

	Policy Policy
}

// Policy controls password validation.
type Policy struct {
	MinLength int
	MaxLength int
}

// DefaultConfig returns a strong baseline: cost 12, length policy [8..72].
func DefaultConfig() Config {
	return Config{
		Cost: 12,
		Policy: Policy{
			MinLength: 8,
			MaxLength: bcryptMaxPasswordBytes,
		},
	}
}

// TestConfig returns the minimum-cost configuration for fast test runs.
// Never use in production.
func TestConfig() Config {
	cfg := DefaultConfig()
	cfg.Cost = bcrypt.MinCost
	return cfg
}

// Validate checks the plaintext against the length policy.
func (c Config) Validate(plaintext string) error {
	if len(plaintext) < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	max := c.Policy.MaxLength
	if max <= 0 || max > bcryptMaxPasswordBytes {
		max = bcryptMaxPasswordBytes
	}
	if len(plaintext) > max {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash hashes the plaintext with bcrypt and returns the encoded hash string.
func (c Config) Hash(plaintext string) (string, error) {
	if err := c.Validate(plaintext); err != nil {
		return "", err
	}

	cost := c.Cost
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("password: hash: %w", err)
	}
	return string(hashed), nil
}

// Verify checks whether plaintext matches the encoded bcrypt hash.
// Returns (true, nil) for a match, (false, nil) for mismatch,
// and (false, ErrInvalidHash) for malformed hashes.
func (c Config) Verify(encodedHash, plaintext string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(plaintext))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, ErrInvalidHash
}
