package origin

import (
	"net/http"
	"strings"

	"github.com/noah-isme/quiqup-proxy/internal/common"
)

// Guard admits requests whose Origin header exactly matches a configured
// allow-list entry. No wildcard or pattern matching: the list is the contract.
type Guard struct {
	Allowed []string
}

// NewGuard builds a guard from a comma-separated allow-list string.
func NewGuard(allowList string) Guard {
	parts := strings.Split(allowList, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return Guard{Allowed: origins}
}

// Allow returns the origin unchanged when it is on the allow-list, and an
// empty string otherwise. An absent origin is never allowed.
func (g Guard) Allow(origin string) string {
	if origin == "" {
		return ""
	}
	for _, candidate := range g.Allowed {
		if candidate == origin {
			return origin
		}
	}
	return ""
}

// Middleware gates request admission on the Origin header and answers CORS
// preflights. Disallowed requests receive a 403 without any CORS headers,
// which blocks browser script access by construction.
func (g Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := g.Allow(r.Header.Get("Origin"))

		if r.Method == http.MethodOptions {
			if allowed == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed == "" {
			common.JSONError(w, http.StatusForbidden, "Origin not allowed")
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}
