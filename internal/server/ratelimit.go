package server

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flowdeck/internal/api"
	"flowdeck/internal/config"
	"flowdeck/internal/observability/logging"
)

type rateLimiter struct {
	global *rate.Limiter

	sensitiveLimit  int
	sensitiveWindow time.Duration
	mu              sync.Mutex
	buckets         map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		sensitiveLimit:  cfg.SensitiveLimit,
		sensitiveWindow: cfg.SensitiveWindow,
		buckets:         make(map[string]*clientLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Max(1, cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.sensitiveWindow <= 0 {
		rl.sensitiveWindow = time.Minute
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowSensitive applies the per-client budget of sensitiveLimit requests per
// window. It returns how long the client should wait when refused.
func (r *rateLimiter) AllowSensitive(key string) (bool, time.Duration) {
	if r == nil || r.sensitiveLimit <= 0 {
		return true, 0
	}
	if key == "" {
		key = "unknown"
	}
	now := time.Now()
	r.mu.Lock()
	bucket, ok := r.buckets[key]
	if !ok {
		every := r.sensitiveWindow / time.Duration(r.sensitiveLimit)
		bucket = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), r.sensitiveLimit)}
		r.buckets[key] = bucket
	}
	bucket.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.sensitiveWindow
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.sensitiveWindow)
	for key, bucket := range r.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

func globalRateLimit(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowRequest() {
				api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("global rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sensitiveRateLimit guards one-shot endpoints per client address.
func sensitiveRateLimit(rl *rateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r.RemoteAddr)
			allowed, retryAfter := rl.AllowSensitive(ip)
			if !allowed {
				logging.FromRequest(r, logger).Warn("rate limit exceeded", "path", r.URL.Path, "remote_ip", ip)
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter.Seconds())))
				api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
