// Package v1 defines the Stride realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Server-originated event types (wire-stable).
const (
	// TypeConnected acknowledges a successful authenticated handshake (server -> client).
	TypeConnected = "connected"

	// TypePresenceOnline is emitted when a user transitions from zero to one live connections.
	TypePresenceOnline = "presence:online"
	// TypePresenceOffline is emitted when a user's last live connection goes away.
	TypePresenceOffline = "presence:offline"

	// TypeSessionTerminated notifies a connection that its session was revoked.
	// The payload carries a human-readable reason; the connection is severed right after.
	TypeSessionTerminated = "session:terminated"

	// TypeAnnouncement is a system-wide broadcast (server -> all connections).
	TypeAnnouncement = "announcement"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// PassthroughPrefixes lists the domain event namespaces the presence layer
// re-broadcasts opaquely to the originating user's own other connections.
// Payload contents are never interpreted by the server.
var PassthroughPrefixes = []string{"goal:", "task:", "calendar:", "notification:", "session:"}

// IsPassthrough reports whether typ belongs to a domain passthrough namespace.
func IsPassthrough(typ string) bool {
	for _, p := range PassthroughPrefixes {
		if strings.HasPrefix(typ, p) && typ != TypeSessionTerminated {
			return true
		}
	}
	return false
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// ConnectedPayload acknowledges the handshake and echoes the connection id.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// PresencePayload names the user whose presence changed.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// TerminatedPayload carries the revocation reason shown to the user before disconnect.
type TerminatedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is the generic error body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
