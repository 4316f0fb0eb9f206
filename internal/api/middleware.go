package api

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/net/http/httpguts"
)

// RequestBodyLimitMiddleware enforces a max request body size for
// downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware echoes the Origin header back when it matches the allow
// lists. With both lists empty it is a no-op.
func CORSMiddleware(origins []string, regexOrigins []string, next http.Handler) http.Handler {
	if len(origins) == 0 && len(regexOrigins) == 0 {
		return next
	}
	exact := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		exact[o] = struct{}{}
	}
	patterns := make([]*regexp.Regexp, 0, len(regexOrigins))
	for _, p := range regexOrigins {
		// Patterns are validated at config load.
		patterns = append(patterns, regexp.MustCompile(p))
	}
	allowed := func(origin string) bool {
		if !httpguts.ValidHeaderFieldValue(origin) {
			return false
		}
		if _, ok := exact[origin]; ok {
			return true
		}
		for _, re := range patterns {
			if re.MatchString(origin) {
				return true
			}
		}
		return false
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET")
		}
		next.ServeHTTP(w, r)
	})
}

// rateWindow is one client's fixed window.
type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window per-client limiter. count <= 0 disables it.
type RateLimiter struct {
	count   int
	window  time.Duration
	clients *xsync.Map[string, rateWindow]
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(count int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		count:   count,
		window:  window,
		clients: xsync.NewMap[string, rateWindow](),
	}
}

// Allow records a request for the client and reports whether it fits the
// current window.
func (rl *RateLimiter) Allow(clientIP string, now time.Time) bool {
	if rl == nil || rl.count <= 0 {
		return true
	}
	ok := true
	rl.clients.Compute(clientIP, func(old rateWindow, loaded bool) (rateWindow, xsync.ComputeOp) {
		if !loaded || now.Sub(old.start) >= rl.window {
			return rateWindow{start: now, count: 1}, xsync.UpdateOp
		}
		old.count++
		ok = old.count <= rl.count
		return old, xsync.UpdateOp
	})
	return ok
}

// Middleware rejects over-limit requests with the RateLimit kind.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil || rl.count <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r), time.Now()) {
			writeKind(w, KindRateLimit, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller address, honoring the first X-Forwarded-For
// hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
