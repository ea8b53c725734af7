package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for the request.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a rejected request. Injected by the
// caller so the error envelope stays owned by the server package.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// Middleware returns HTTP middleware that enforces limiter per key. prefix
// namespaces keys so one limiter can serve several routes.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc, reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", strconv.Itoa(1))
			if reject != nil {
				reject(w, r)
				return
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		})
	}
}

// IPKeyFunc keys by client IP taken from RemoteAddr. X-Forwarded-For is not
// trusted; deploy behind a proxy that rewrites RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// PathValueKeyFunc keys by a path wildcard, e.g. the thread id of
// POST /threads/{id}/run.
func PathValueKeyFunc(name string) KeyFunc {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}
