package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// loginThrottle is a fixed-window failure counter keyed by client IP and by
// login identifier. Process-local: a multi-instance deployment needs a shared
// store behind the same interface, but per-instance throttling still blunts
// credential stuffing.
type loginThrottle struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*failureWindow
}

type failureWindow struct {
	start time.Time
	count int
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	return &loginThrottle{
		max:     max,
		window:  window,
		windows: make(map[string]*failureWindow),
	}
}

// blocked reports whether key has exceeded the failure budget, and how long
// until the window resets.
func (t *loginThrottle) blocked(key string, now time.Time) (bool, time.Duration) {
	if t == nil || t.max <= 0 || key == "" {
		return false, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok || now.Sub(w.start) >= t.window {
		return false, 0
	}
	if w.count >= t.max {
		return true, t.window - now.Sub(w.start)
	}
	return false, 0
}

// fail records one failed attempt for key.
func (t *loginThrottle) fail(key string, now time.Time) {
	if t == nil || t.max <= 0 || key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok || now.Sub(w.start) >= t.window {
		t.windows[key] = &failureWindow{start: now, count: 1}
		t.gcLocked(now)
		return
	}
	w.count++
}

// reset clears the window for key (successful login).
func (t *loginThrottle) reset(key string) {
	if t == nil || key == "" {
		return
	}
	t.mu.Lock()
	delete(t.windows, key)
	t.mu.Unlock()
}

// gcLocked drops stale windows opportunistically; called with t.mu held.
func (t *loginThrottle) gcLocked(now time.Time) {
	if len(t.windows) < 4096 {
		return
	}
	for k, w := range t.windows {
		if now.Sub(w.start) >= t.window {
			delete(t.windows, k)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
