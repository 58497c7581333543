package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newSessionID returns a new ULID (26-char string) for a session row.
func newSessionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
