// Package resolver builds HTTP clients for the pieces of Sentinel that call
// out over HTTP: DoH exchanges, blocklist downloads, and cluster sync.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"
)

// NewHTTPClient returns a client whose dialer prefers IPv4 addresses when
// preferIPv4 is set. DoH endpoints frequently publish AAAA records that are
// unreachable from v4-only appliance networks.
func NewHTTPClient(timeout time.Duration, preferIPv4 bool) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if preferIPv4 {
		transport.DialContext = dialPreferIPv4
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// dialPreferIPv4 resolves the host and tries IPv4 addresses before IPv6.
func dialPreferIPv4(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	// IP literals need no reordering.
	if net.ParseIP(host) != nil {
		return dialer.DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].To4() != nil && ips[j].To4() == nil
	})

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}
