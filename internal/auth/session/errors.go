package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a token fails verification or validation.
	// Wrap it in a TokenError to carry the failure reason.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned when a refresh token does not match any
	// active session. It deliberately covers every mismatch (unknown device,
	// rotated token, revoked session, expired session) so the failure mode
	// leaks nothing about which field failed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration (missing signing secrets).
	// Fatal at startup, never recovered at request time.
	ErrConfig = errors.New("invalid config")
)

// Reason is the stable discriminator carried by TokenError.
type Reason string

const (
	ReasonExpired      Reason = "expired"
	ReasonMalformed    Reason = "malformed"
	ReasonWrongType    Reason = "wrong_type"
	ReasonBadSignature Reason = "bad_signature"
)

// TokenError reports why a token was rejected. The HTTP layer maps
// ReasonExpired to TOKEN_EXPIRED (client should refresh) and everything else
// to INVALID_TOKEN.
type TokenError struct {
	Reason Reason
	Err    error
}

func (e TokenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrInvalidToken, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %v", ErrInvalidToken, e.Reason, e.Err)
}

func (e TokenError) Unwrap() error { return ErrInvalidToken }

// IsExpired reports whether err is a TokenError with ReasonExpired.
func IsExpired(err error) bool {
	var te TokenError
	return errors.As(err, &te) && te.Reason == ReasonExpired
}
