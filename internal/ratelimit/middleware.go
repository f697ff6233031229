package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// KeyFunc extracts a rate-limit key from a request. Returning an empty
// string exempts the request from limiting.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID for error response metadata.
type RequestIDFunc func(r *http.Request) string

// IPKeyFunc keys by client IP. Uses RemoteAddr only; X-Forwarded-For is
// client-controlled and trusting it would let callers pick their own bucket.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware wraps a handler with rate limiting. Keys are namespaced with
// prefix so the same limiter can back independent limits. Requests with an
// empty key pass through, and limiter errors fail open.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil {
				// Limiter failure never blocks traffic.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeRateLimitError(w, r, reqIDFunc)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, r *http.Request, reqIDFunc RequestIDFunc) {
	reqID := ""
	if reqIDFunc != nil {
		reqID = reqIDFunc(r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "rate limit exceeded"},
		Meta: model.ResponseMeta{
			RequestID: reqID,
			Timestamp: time.Now().UTC(),
		},
	})
}
