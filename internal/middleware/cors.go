package middleware

import (
	"net/http"
	"strings"
)

var corsExposedHeaders = strings.Join([]string{
	"ETag",
	"Retry-After",
	HeaderRequestID,
	"X-Render-Time",
	"X-Cache-Status",
	"X-Cache-Version",
	"X-Cache-Invalidated",
	"X-Fallback-To-SVG",
}, ", ")

// CORS allows browser callers from the listed origins. A "*" entry allows any
// origin without credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allow := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allow[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			matched := false
			if origin != "" {
				h := w.Header()
				h.Add("Vary", "Origin")
				if _, ok := allow[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					matched = true
				} else if wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
					matched = true
				}
				if matched {
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match, X-Request-ID")
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
