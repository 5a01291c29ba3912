// Package geoip maps client addresses to ISO country codes using a MaxMind
// database.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"ogimage/internal/netaddr"
)

// ErrUnavailable is returned by a resolver without a database.
var ErrUnavailable = errors.New("geoip resolver unavailable")

type Resolver struct {
	reader *geoip2.Reader
}

// NewResolver opens the database at path. An empty path yields a nil
// resolver and no error; geo tagging is then skipped.
func NewResolver(path string) (*Resolver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

// CountryCode returns the upper-case ISO code for ip. Non-public addresses
// resolve to "" without touching the database.
func (r *Resolver) CountryCode(ip string) (string, error) {
	addr, err := netaddr.Parse(ip)
	if err != nil {
		return "", fmt.Errorf("geoip: %w", err)
	}
	if !netaddr.Public(addr) {
		return "", nil
	}
	if r == nil || r.reader == nil {
		return "", ErrUnavailable
	}
	record, err := r.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geoip: lookup %s: %w", addr, err)
	}
	return strings.ToUpper(record.Country.IsoCode), nil
}

// Lookup returns CountryCode as a function value, or nil for a nil resolver
// so the country middleware falls back to edge headers only.
func (r *Resolver) Lookup() func(ip string) (string, error) {
	if r == nil {
		return nil
	}
	return r.CountryCode
}

func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
