// Package safehttp builds HTTP clients for outbound calls to operator-supplied
// URLs, such as alert webhooks.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Blocked reports whether ip is a loopback, private or link-local address.
func Blocked(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// NewTransport returns a transport that refuses connections to Blocked
// addresses. The check runs on the resolved address right before connect,
// so a hostname that resolves to a private range is refused too.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("failed to parse remote IP for %q", address)
			}
			if Blocked(ip) {
				return fmt.Errorf("access to private IP %s is denied", ip)
			}
			return nil
		},
	}

	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

// NewClient returns a client for webhook delivery. With blockPrivate the
// client uses NewTransport; otherwise it uses a clone of the default
// transport. Redirects are not followed.
func NewClient(blockPrivate bool) *http.Client {
	var transport http.RoundTripper
	if blockPrivate {
		transport = NewTransport()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
