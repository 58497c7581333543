package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoginThrottleWindow(t *testing.T) {
	th := newLoginThrottle(2, time.Minute)
	now := time.Now().UTC()

	blocked, _ := th.blocked("ip:1.2.3.4", now)
	require.False(t, blocked)

	th.fail("ip:1.2.3.4", now)
	blocked, _ = th.blocked("ip:1.2.3.4", now)
	require.False(t, blocked, "one failure is under the budget")

	th.fail("ip:1.2.3.4", now)
	blocked, retryAfter := th.blocked("ip:1.2.3.4", now.Add(10*time.Second))
	require.True(t, blocked)
	require.Equal(t, 50*time.Second, retryAfter)

	// Other keys are unaffected.
	blocked, _ = th.blocked("ip:5.6.7.8", now)
	require.False(t, blocked)

	// The window expires.
	blocked, _ = th.blocked("ip:1.2.3.4", now.Add(2*time.Minute))
	require.False(t, blocked)

	// A failure after expiry starts a fresh window.
	th.fail("ip:1.2.3.4", now.Add(2*time.Minute))
	blocked, _ = th.blocked("ip:1.2.3.4", now.Add(2*time.Minute))
	require.False(t, blocked)
}

func TestLoginThrottleReset(t *testing.T) {
	th := newLoginThrottle(1, time.Minute)
	now := time.Now().UTC()

	th.fail("email:a@x.com", now)
	blocked, _ := th.blocked("email:a@x.com", now)
	require.True(t, blocked)

	th.reset("email:a@x.com")
	blocked, _ = th.blocked("email:a@x.com", now)
	require.False(t, blocked)
}

func TestLoginThrottleDisabled(t *testing.T) {
	th := newLoginThrottle(0, time.Minute)
	now := time.Now().UTC()

	th.fail("ip:1.2.3.4", now)
	blocked, _ := th.blocked("ip:1.2.3.4", now)
	require.False(t, blocked)
}
