// Package ratelimit throttles API callers with a token bucket per key.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	cleanupInterval = 5 * time.Minute
	idleTTL         = 10 * time.Minute
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(r *http.Request) string

type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	keyFn   KeyFunc
	now     func() time.Time
}

// NewLimiter allows requestsPerSecond sustained per key with bursts up to
// burst. Requests are keyed by keyFn, or by client address when keyFn is nil.
func NewLimiter(requestsPerSecond float64, burst int, keyFn KeyFunc) *Limiter {
	if keyFn == nil {
		keyFn = ClientAddr
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    requestsPerSecond,
		burst:   float64(burst),
		keyFn:   keyFn,
		now:     time.Now,
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, lastSeen: now}
		return true
	}

	b.tokens = min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Run evicts idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.keyFn(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "10")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientAddr keys by the first X-Forwarded-For hop, falling back to the
// connection address.
func ClientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// ByUser keys by the value userID extracts, so one viewer's clients share a
// bucket. Requests without a user fall back to the client address.
func ByUser(userID func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if id := userID(r); id != "" {
			return "user:" + id
		}
		return "addr:" + ClientAddr(r)
	}
}
