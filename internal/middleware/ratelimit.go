package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterSweepSize = 10000

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client IPv4 address or IPv6 /64.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	onReject func()
}

// NewRateLimiter allows perMinute requests per client IP per minute, with a
// burst of the same size. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int, onReject func()) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*clientLimiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		idle:     10 * time.Minute,
		now:      time.Now,
		onReject: onReject,
	}
}

// allow reports whether ip may proceed and, if not, how long until a token is
// available.
func (l *RateLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if len(l.clients) >= limiterSweepSize {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > l.idle {
				delete(l.clients, key)
			}
		}
	}
	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware rejects over-limit clients with 429 and a Retry-After header.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.burst <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(bucketKey(ClientIP(r)))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		if l.onReject != nil {
			l.onReject()
		}
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate limit exceeded",
			"code":        "RATE_LIMITED",
			"request_id":  RequestIDFromContext(r.Context()),
			"retry_after": secs,
		})
	})
}

// ClientIP returns the caller's address without a port. Proxy headers are
// resolved upstream by chi's RealIP, which rewrites RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	raw := r.RemoteAddr
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return raw
	}
	return addr.Unmap().String()
}

// bucketKey groups IPv6 callers by /64, the smallest block a single host
// is usually handed.
func bucketKey(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Is4() {
		return ip
	}
	prefix, err := addr.Prefix(64)
	if err != nil {
		return ip
	}
	return prefix.String()
}
