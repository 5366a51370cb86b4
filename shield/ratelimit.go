package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-endpoint fixed-window rate limiting.
// Endpoints without a rule are not limited.
type RateLimiter struct {
	rules   map[string]RateLimitConfig
	buckets sync.Map
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time
}

// NewRateLimiter returns a limiter for rules keyed "METHOD /path".
func NewRateLimiter(rules map[string]RateLimitConfig, excludePrefixes ...string) *RateLimiter {
	r := make(map[string]RateLimitConfig, len(rules))
	for k, v := range rules {
		if v.MaxRequests > 0 && v.Window > 0 {
			r[k] = v
		}
	}
	return &RateLimiter{rules: r, exclude: excludePrefixes, now: time.Now}
}

// StartGC drops expired buckets every interval until ctx is done.
func (rl *RateLimiter) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	cfg, ok := rl.rules[endpoint]
	if !ok {
		return true
	}

	now := rl.now()
	val, loaded := rl.buckets.LoadOrStore(ip+":"+endpoint, &bucket{count: 1, resetAt: now.Add(cfg.Window)})
	if !loaded {
		return true
	}

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(cfg.Window)
		return true
	}
	b.count++
	return b.count <= cfg.MaxRequests
}

// Middleware enforces the limits with a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if rl.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)

		retry := rl.rules[endpoint].Window
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"}); err != nil {
			slog.Debug("ratelimit: write response", "error", err)
		}
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
