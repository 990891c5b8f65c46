package main

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/accordsai/caselane/pkg/httpx"
)

type fixedWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]windowState
	now    func() time.Time
}

type windowState struct {
	start time.Time
	count int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:  limit,
		window: window,
		byKey:  map[string]windowState{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *fixedWindowLimiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

func (l *fixedWindowLimiter) AllowAt(key string, now time.Time) bool {
	ok, _ := l.takeAt(key, now)
	return ok
}

func (l *fixedWindowLimiter) take(key string) (bool, time.Duration) {
	if l == nil || l.now == nil {
		return l.takeAt(key, time.Now().UTC())
	}
	return l.takeAt(key, l.now())
}

// takeAt counts one request for key. When the budget is spent it reports how
// long until the key's window resets.
func (l *fixedWindowLimiter) takeAt(key string, now time.Time) (bool, time.Duration) {
	if l == nil || l.limit <= 0 {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Expired windows are dropped on the way so the map tracks only
	// recently seen clients.
	for k, st := range l.byKey {
		if k != key && now.Sub(st.start) >= l.window {
			delete(l.byKey, k)
		}
	}
	cur := l.byKey[key]
	if cur.start.IsZero() || now.Sub(cur.start) >= l.window {
		l.byKey[key] = windowState{start: now, count: 1}
		return true, 0
	}
	if cur.count >= l.limit {
		return false, cur.start.Add(l.window).Sub(now)
	}
	cur.count++
	l.byKey[key] = cur
	return true, 0
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// portalRateKey is the caller address. Portal callers hold no credentials
// beyond the token in the path, so the token does not partition the budget.
func portalRateKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (l *fixedWindowLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := l.take(portalRateKey(r)); !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
