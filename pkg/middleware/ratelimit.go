package middleware

// Per-caller admission control built on golang.org/x/time/rate.
//
// Each key (caller IP, API key, user) gets its own token bucket. Buckets idle
// for longer than the eviction window are dropped by EvictStale so memory
// stays bounded by the active caller count.

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter rate limits requests per key.
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*keyedBucket
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows perSecond sustained requests per key with the given
// burst. A non-positive perSecond disables limiting.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*keyedBucket),
	}
}

// Allow reports whether one request for key may proceed now.
// An empty key is always allowed.
func (kl *KeyedLimiter) Allow(key string) bool {
	if key == "" || kl.limit == rate.Inf {
		return true
	}
	now := kl.now()
	return kl.bucket(key, now).AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for its next token.
func (kl *KeyedLimiter) RetryAfter(key string) time.Duration {
	if key == "" || kl.limit == rate.Inf {
		return 0
	}
	now := kl.now()
	r := kl.bucket(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

func (kl *KeyedLimiter) bucket(key string, now time.Time) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	b, ok := kl.buckets[key]
	if !ok {
		b = &keyedBucket{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// EvictStale removes keys not seen within idle and returns how many went.
func (kl *KeyedLimiter) EvictStale(idle time.Duration) int {
	cutoff := kl.now().Add(-idle)
	kl.mu.Lock()
	defer kl.mu.Unlock()
	evicted := 0
	for key, b := range kl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(kl.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

func (kl *KeyedLimiter) String() string {
	return fmt.Sprintf("KeyedLimiter{rate=%.2f/s, burst=%d}", float64(kl.limit), kl.burst)
}

// RateLimit rejects requests over the per-key limit with 429 and a
// Retry-After header.
func RateLimit(limiter *KeyedLimiter, keyFunc func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		if !limiter.Allow(key) {
			wait := limiter.RetryAfter(key)
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyByIP extracts the client address, preferring the first
// X-Forwarded-For hop.
func KeyByIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// KeyByHeader extracts a header value for rate limiting.
func KeyByHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
