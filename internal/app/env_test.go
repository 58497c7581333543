package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("STRIDE_TEST_STR", "  hello  ")
	require.Equal(t, "hello", EnvString("STRIDE_TEST_STR", "def"))
	require.Equal(t, "def", EnvString("STRIDE_TEST_MISSING", "def"))

	t.Setenv("STRIDE_TEST_BOOL", "true")
	require.True(t, EnvBool("STRIDE_TEST_BOOL", false))
	t.Setenv("STRIDE_TEST_BOOL", "nope")
	require.True(t, EnvBool("STRIDE_TEST_BOOL", true), "unparsable falls back to default")

	t.Setenv("STRIDE_TEST_INT", "42")
	require.Equal(t, 42, EnvInt("STRIDE_TEST_INT", 7))
	t.Setenv("STRIDE_TEST_INT", "-3")
	require.Equal(t, 7, EnvInt("STRIDE_TEST_INT", 7), "non-positive falls back to default")

	t.Setenv("STRIDE_TEST_DUR", "90s")
	require.Equal(t, 90*time.Second, EnvDuration("STRIDE_TEST_DUR", time.Minute))
	t.Setenv("STRIDE_TEST_DUR", "soon")
	require.Equal(t, time.Minute, EnvDuration("STRIDE_TEST_DUR", time.Minute))
}
