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

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max requests per key per window.
	Max int
	// Window length. Windows are aligned to multiples of Window since the
	// Unix epoch.
	Window time.Duration
	// KeyFunc groups requests. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	// Now defaults to time.Now.
	Now func() time.Time
}

// bucket counts the requests of one key in the current aligned window and
// the one before it.
type bucket struct {
	window int64
	curr   int
	prev   int
}

// decision is the outcome of a single take.
type decision struct {
	allowed   bool
	remaining int
	reset     time.Time
}

type limiter struct {
	max    int
	window time.Duration
	key    func(*http.Request) string
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	l := &limiter{
		max:     cfg.Max,
		window:  cfg.Window,
		key:     cfg.KeyFunc,
		now:     cfg.Now,
		buckets: make(map[string]*bucket),
	}
	if l.key == nil {
		l.key = ClientIP
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func (l *limiter) windowOf(t time.Time) int64 {
	return t.UnixNano() / int64(l.window)
}

// take records a request for key at now unless the estimated rate, the
// current count plus the previous window's count weighted by its remaining
// overlap, already reached max.
func (l *limiter) take(key string, now time.Time) decision {
	n := l.windowOf(now)
	start := time.Unix(0, n*int64(l.window))

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	switch {
	case b == nil:
		b = &bucket{window: n}
		l.buckets[key] = b
	case b.window == n:
	case b.window+1 == n:
		b.window, b.prev, b.curr = n, b.curr, 0
	default:
		b.window, b.prev, b.curr = n, 0, 0
	}

	overlap := 1 - float64(now.Sub(start))/float64(l.window)
	estimate := float64(b.prev)*math.Max(overlap, 0) + float64(b.curr)

	d := decision{reset: start.Add(l.window)}
	if estimate >= float64(l.max) {
		return d
	}
	b.curr++
	d.allowed = true
	d.remaining = max(int(float64(l.max)-estimate-1), 0)
	return d
}

// sweep drops keys that saw no request in the current or previous window.
func (l *limiter) sweep(now time.Time) {
	n := l.windowOf(now)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if n-b.window >= 2 {
			delete(l.buckets, key)
		}
	}
}

func (l *limiter) sweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.key(r)
		now := l.now()
		d := l.take(key, now)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.reset.Unix(), 10))
		if d.allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := math.Ceil(max(d.reset.Sub(now), 0).Seconds())
		h.Set("Retry-After", strconv.Itoa(int(wait)))
		zctx.From(r.Context()).Debug("Too many requests",
			zap.String("key", key),
			zap.Time("reset", d.reset),
		)
		WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// RateLimit limits requests per key with a sliding window counter and
// answers 429 with a Retry-After header once a key is over the limit. Rate
// limit headers are set on every response.
//
// Keys are never evicted; long running servers use RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit with a goroutine that forgets idle keys
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go l.sweepEvery(ctx, 2*l.window)
	return l.middleware
}

// SessionKey limits per cart session. Requests without a session share the
// limit of their client IP. Session must run first.
func SessionKey(r *http.Request) string {
	if id := SessionFromContext(r.Context()); id != "" {
		return "session:" + id
	}
	return "ip:" + ClientIP(r)
}

// ClientIP is the first X-Forwarded-For hop, then X-Real-IP, then the host
// part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
