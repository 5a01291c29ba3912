package cache

import (
	"net/http"
	"strings"
)

// Request headers the edge sets when forwarding to the origin.
const (
	HeaderCacheStatus   = "X-Cache-Status"
	HeaderCFCacheStatus = "CF-Cache-Status"
	HeaderCachedVersion = "X-Cached-Version"
)

const (
	StatusMiss  = "MISS"
	StatusStale = "STALE"
)

// Decision is the outcome of comparing the requested cache version with the
// version of the representation the edge already holds.
type Decision struct {
	EdgeStatus      string
	Version         string
	PreviousVersion string
	Invalidated     bool
}

// Status is the value reported in the X-Cache-Status response header.
func (d Decision) Status() string {
	if d.Invalidated {
		return StatusStale
	}
	if d.EdgeStatus == "" {
		return StatusMiss
	}
	return d.EdgeStatus
}

// EdgeStatus reads the hit/miss status reported by the edge cache.
func EdgeStatus(h http.Header) string {
	for _, name := range []string{HeaderCacheStatus, HeaderCFCacheStatus} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return strings.ToUpper(v)
		}
	}
	return ""
}

// Decide flags the response as invalidated only when both the current and the
// previously cached versions are known and differ.
func Decide(h http.Header, version string) Decision {
	d := Decision{
		EdgeStatus:      EdgeStatus(h),
		Version:         version,
		PreviousVersion: strings.TrimSpace(h.Get(HeaderCachedVersion)),
	}
	d.Invalidated = d.Version != "" && d.PreviousVersion != "" && d.Version != d.PreviousVersion
	return d
}
