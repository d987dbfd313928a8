package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/ratelimit"
)

// IngestRateLimit guards the ingestion endpoint with the fixed-window
// limiter, keyed by client IP. Denials carry a Retry-After header with the
// seconds until the window rolls over, rounded up.
func IngestRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limiter.Admit(clientIP(r))
			if !allowed {
				secs := int(retryAfter.Seconds())
				if retryAfter > time.Duration(secs)*time.Second {
					secs++
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(model.ErrorResponse{
					Error:   "Too many requests",
					Message: "Rate limit exceeded, retry later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. After the RealIP middleware
// runs, RemoteAddr may already be a bare address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// AdminRateLimit caps admin requests per IP per minute. The admin surface
// sits behind token verification, so this only blunts brute-force attempts
// against the oracle round-trip.
func AdminRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
