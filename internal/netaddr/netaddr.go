// Package netaddr classifies IP addresses.
package netaddr

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var nonPublic = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("2001::/23"),
}

// Parse accepts a bare address or host:port and unmaps IPv4-in-IPv6.
func Parse(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q", raw)
	}
	return addr.WithZone("").Unmap(), nil
}

// Public reports whether addr is a globally routable unicast address.
// Loopback, private, link-local (including 169.254.169.254), CGNAT and
// reserved ranges are not.
func Public(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return false
	}
	for _, p := range nonPublic {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
