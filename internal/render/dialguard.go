package render

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"ogimage/internal/netaddr"
)

// ErrBlockedAddress is returned when a font fetch would connect to a
// loopback, private, link-local or otherwise non-public address.
var ErrBlockedAddress = errors.New("render: destination address is not public")

const maxFontRedirects = 3

// publicOnly is a net.Dialer Control hook. It runs after name resolution for
// every connection, redirects included.
func publicOnly(_, address string, _ syscall.RawConn) error {
	addr, err := netaddr.Parse(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedAddress, err)
	}
	if !netaddr.Public(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

// newFontClient returns the client used for font downloads. It never uses a
// proxy, since the dial check must see the real destination.
func newFontClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   publicOnly,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFontRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFontRedirects)
			}
			return nil
		},
	}
}
