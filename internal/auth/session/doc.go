// Package session implements Stride's session architecture.
//
// It provides a multi-device session model keyed by a stable client device
// id, with refresh-token rotation, replay rejection, and per-device/per-user
// revocation.
//
// Access and refresh tokens are signed JWTs (HS256) with distinct secrets
// and a "typ" marker so one chain never validates the other. Refresh tokens
// are stored server-side only as a hash (HMAC-SHA256 when
// STRIDE_TOKEN_HMAC_KEY is set; otherwise SHA-256 for dev/back-compat).
//
// Rotation safety is delegated to the Store: an atomic conditional update
// keyed on the current token hash, valid across any number of processes.
// Transport (HTTP/WS) integration is intentionally out of scope here.
package session
