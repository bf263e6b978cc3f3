package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	// RPS is the sustained request rate per client.
	RPS float64
	// Burst is the bucket size.
	Burst int
	// KeyFunc identifies the client. Defaults to the authenticated user, then
	// the client IP.
	KeyFunc func(*http.Request) string
	// IdleTTL is how long an unused bucket is kept. Defaults to ten minutes.
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientKey
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(math.Ceil(cfg.RPS)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiterSet{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (s *limiterSet) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) >= s.cfg.IdleTTL {
			delete(s.buckets, key)
		}
	}
}

func (s *limiterSet) runEviction(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evictIdle(now)
		}
	}
}

// RateLimit limits each client to cfg.RPS with bursts of cfg.Burst. Rejected
// requests get 429 with Retry-After. Buckets are never evicted; servers
// should use RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiterSet(cfg).middleware()
}

// RateLimitWithCleanup is RateLimit with a goroutine that drops idle buckets
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	s := newLimiterSet(cfg)
	go s.runEviction(ctx)
	return s.middleware()
}

func (s *limiterSet) middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			lim := s.get(s.cfg.KeyFunc(r), now)

			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(s.cfg.RPS, 'f', -1, 64))
			res := lim.ReserveN(now, 1)
			if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
				res.CancelAt(now)
				retry := 1
				if res.OK() {
					retry = max(1, int(math.Ceil(delay.Seconds())))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.TokensAt(now))))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by user id when Auth ran before, otherwise
// by IP taken from X-Forwarded-For, X-Real-IP or the remote address.
func ClientKey(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return "user:" + id.UserID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
