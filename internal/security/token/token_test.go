package token

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashRefreshTokenHex(t *testing.T) {
	t.Setenv(HMACEnvKey, "")

	// Without a key the digest is plain SHA-256 and deterministic.
	plain := HashRefreshTokenHex("some-refresh-token")
	require.Equal(t, HashSHA256Hex("some-refresh-token"), plain)
	require.Len(t, plain, 64)

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	keyed := HashRefreshTokenHex("some-refresh-token")
	require.Len(t, keyed, 64)
	require.NotEqual(t, plain, keyed, "keyed digest must differ from the bare hash")
	require.Equal(t, HashHMACSHA256Hex("some-refresh-token", []byte("0123456789abcdef0123456789abcdef")), keyed)
}

func TestHMACKeyFromEnv(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	_, err := HMACKeyFromEnv(16)
	require.ErrorIs(t, err, ErrHMACKeyMissing)

	t.Setenv(HMACEnvKey, "short")
	_, err = HMACKeyFromEnv(16)
	require.ErrorIs(t, err, ErrHMACKeyTooShort)

	t.Setenv(HMACEnvKey, "  0123456789abcdef  ")
	key, err := HMACKeyFromEnv(16)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), key, "key is trimmed")
}
