package dns

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Tailscale CGNAT ranges.
var (
	tailscaleV4 = mustCIDR("100.64.0.0/10")
	tailscaleV6 = mustCIDR("fd7a:115c:a1e0::/48")
)

func mustCIDR(s string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return ipnet
}

// NormalizeClientIP canonicalizes a remote address for profile matching and
// logging: strip the IPv4-mapped prefix, drop any IPv6 zone id, trim
// whitespace. An empty result becomes 0.0.0.0.
func NormalizeClientIP(addr string) string {
	ip := strings.TrimSpace(addr)
	ip = strings.TrimPrefix(ip, "::ffff:")
	if i := strings.IndexByte(ip, '%'); i >= 0 {
		ip = ip[:i]
	}
	if ip == "" {
		return "0.0.0.0"
	}
	return ip
}

// IsTailscaleIP reports whether the normalized IP falls in the Tailscale
// CGNAT ranges.
func IsTailscaleIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return tailscaleV4.Contains(parsed) || tailscaleV6.Contains(parsed)
}

// clientIPFrom extracts and normalizes the querying endpoint's IP from the
// DNS connection.
func clientIPFrom(w dns.ResponseWriter) string {
	remote := w.RemoteAddr()
	if remote == nil {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	return NormalizeClientIP(host)
}
