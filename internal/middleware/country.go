package middleware

import (
	"context"
	"net/http"
	"strings"
)

type countryContextKey struct{}

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// Country tags the request context with the caller's country, used to enrich
// usage events.
func Country(lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if country := ResolveCountry(r, lookup); country != "" {
				r = r.WithContext(context.WithValue(r.Context(), countryContextKey{}, country))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CountryFromContext returns the ISO country code stored in the request context.
func CountryFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(countryContextKey{}).(string); ok {
		return v
	}
	return ""
}

// ResolveCountry prefers country hints set by the edge, then a GeoIP lookup
// of the client address.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	for _, key := range []string{"CF-IPCountry", "X-Country-Code", "X-Appengine-Country"} {
		val := strings.ToUpper(strings.TrimSpace(r.Header.Get(key)))
		// XX and T1 are Cloudflare's unknown and Tor markers.
		if len(val) == 2 && val != "XX" && val != "T1" {
			return val
		}
	}
	if lookup != nil {
		if ip := ClientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil && country != "" {
				return strings.ToUpper(country)
			}
		}
	}
	return ""
}
