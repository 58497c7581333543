package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
// Emails are unique under this normalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LocalProviderID returns the provider_id used for local credentials.
// Local records key on the normalized email so that (provider, provider_id)
// stays globally unique across providers.
func LocalProviderID(email string) string {
	return NormalizeEmail(email)
}
