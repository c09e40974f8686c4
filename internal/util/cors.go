package util

import (
	"net/http"
	"slices"
	"strings"
)

// WithCORS lets a reader UI on another origin call the API. With an empty
// allowlist every origin is accepted; otherwise only listed origins are echoed
// back and preflights from others are rejected.
func WithCORS(allowed []string, next http.Handler) http.Handler {
	open := len(allowed) == 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		h := w.Header()
		switch {
		case open:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		case r.Method == http.MethodOptions:
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Expose-Headers", "X-Request-Id, X-RateLimit-Remaining, Retry-After")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
