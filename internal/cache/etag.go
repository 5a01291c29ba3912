// Package cache derives ETags and cache directives for rendered images and
// decides when a cached representation is stale.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"ogimage/internal/params"
)

// CacheControl is sent with every successful image response. It is only safe
// because the ETag changes whenever the parameters or cache version do.
const CacheControl = "public, immutable, max-age=31536000"

// FingerprintLength is the number of hex characters kept from the digest.
const FingerprintLength = 32

type fingerprintInput struct {
	Version string      `json:"v,omitempty"`
	Params  [][2]string `json:"p"`
}

// Fingerprint hashes the sorted parameter set together with the cache
// version. Parameter order never affects the result.
func Fingerprint(p params.NormalizedParams, version string) string {
	in := fingerprintInput{Version: version, Params: make([][2]string, 0, len(p))}
	for _, k := range p.Keys() {
		in.Params = append(in.Params, [2]string{k, p[k]})
	}
	// json.Marshal on strings and slices cannot fail.
	payload, _ := json.Marshal(in)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// ETag wraps the fingerprint as a strong entity tag.
func ETag(p params.NormalizedParams, version string) string {
	return `"` + Fingerprint(p, version) + `"`
}

// ResolveVersion picks the caller override when present, otherwise the
// operator default. Both may be empty.
func ResolveVersion(override, operatorDefault string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	return strings.TrimSpace(operatorDefault)
}

// Matches reports whether an If-None-Match header value selects etag. Weak
// validators compare equal to their strong form.
func Matches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
