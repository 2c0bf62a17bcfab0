// Package forwarder sends queries upstream over the configured transport:
// plain UDP or TCP, DNS-over-TLS, or DNS-over-HTTPS.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"sentinel/pkg/logging"
	"sentinel/pkg/resolver"
	"sentinel/pkg/storage"
	"sentinel/pkg/telemetry"
)

// Per-transport exchange timeouts.
const (
	udpTimeout = 2 * time.Second
	tcpTimeout = 4 * time.Second
	dotTimeout = 4 * time.Second
	dohTimeout = 15 * time.Second
)

const dohContentType = "application/dns-message"

// Forwarder forwards queries to the configured upstreams, round-robin with
// failover across them. The transport configuration swaps atomically when
// DNS settings change.
type Forwarder struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics

	cfg   atomic.Pointer[transportConfig]
	index atomic.Uint32
}

type transportConfig struct {
	transport string
	upstreams []string
	dohClient *http.Client
}

// New creates a forwarder with the given settings applied.
func New(settings storage.DNSSettings, logger *logging.Logger, metrics *telemetry.Metrics) *Forwarder {
	f := &Forwarder{logger: logger, metrics: metrics}
	f.Update(settings)
	return f
}

// Update applies new DNS settings. In-flight exchanges finish on the old
// configuration.
func (f *Forwarder) Update(settings storage.DNSSettings) {
	transport := strings.ToLower(settings.Forward.Transport)
	switch transport {
	case "udp", "tcp", "dot", "doh":
	default:
		transport = "udp"
	}

	upstreams := normalizeUpstreams(transport, settings.Forward.Upstreams)
	cfg := &transportConfig{
		transport: transport,
		upstreams: upstreams,
	}
	if transport == "doh" {
		cfg.dohClient = resolver.NewHTTPClient(dohTimeout, settings.Forward.PreferIPv4)
	}
	f.cfg.Store(cfg)

	f.logger.Info("Forwarder configured",
		"transport", transport, "upstreams", upstreams)
}

// Transport returns the active transport name.
func (f *Forwarder) Transport() string {
	return f.cfg.Load().transport
}

// Forward exchanges the query with an upstream, failing over once to the
// next upstream on transport errors.
func (f *Forwarder) Forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	cfg := f.cfg.Load()
	if len(cfg.upstreams) == 0 {
		return nil, fmt.Errorf("no upstreams configured")
	}

	attempts := 2
	if len(cfg.upstreams) < attempts {
		attempts = len(cfg.upstreams)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		upstream := cfg.upstreams[f.index.Add(1)%uint32(len(cfg.upstreams))]

		resp, err := f.exchange(ctx, cfg, req, upstream)
		if err == nil {
			if f.metrics != nil {
				f.metrics.ForwardedQueries.Add(ctx, 1,
					telemetry.WithTransport(cfg.transport))
			}
			return resp, nil
		}
		lastErr = err
		if f.metrics != nil {
			f.metrics.UpstreamErrors.Add(ctx, 1)
		}
		f.logger.Debug("Upstream exchange failed",
			"upstream", upstream, "transport", cfg.transport, "error", err)
	}
	return nil, lastErr
}

func (f *Forwarder) exchange(ctx context.Context, cfg *transportConfig, req *dns.Msg, upstream string) (*dns.Msg, error) {
	switch cfg.transport {
	case "udp":
		return exchangeWire(ctx, req, upstream, "udp", udpTimeout)
	case "tcp":
		return exchangeWire(ctx, req, upstream, "tcp", tcpTimeout)
	case "dot":
		return exchangeWire(ctx, req, upstream, "tcp-tls", dotTimeout)
	case "doh":
		return exchangeDoH(ctx, cfg.dohClient, req, upstream)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.transport)
}

func exchangeWire(ctx context.Context, req *dns.Msg, upstream, network string, timeout time.Duration) (*dns.Msg, error) {
	client := &dns.Client{Net: network, Timeout: timeout}
	if network == "tcp-tls" {
		client.TLSConfig = dotTLSConfig(upstream)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, _, err := client.ExchangeContext(ctx, req, upstream)
	if err != nil {
		return nil, fmt.Errorf("exchanging with %s: %w", upstream, err)
	}
	return resp, nil
}

// dotTLSConfig pins the SNI name when the upstream is addressed by hostname.
// IP-addressed upstreams rely on certificate IP SANs and keep the defaults.
func dotTLSConfig(upstream string) *tls.Config {
	host, _, err := net.SplitHostPort(upstream)
	if err != nil || net.ParseIP(host) != nil {
		return nil
	}
	return &tls.Config{ServerName: host}
}

// exchangeDoH POSTs the wire-format query per RFC 8484.
func exchangeDoH(ctx context.Context, client *http.Client, req *dns.Msg, url string) (*dns.Msg, error) {
	packed, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dohTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("building DoH request: %w", err)
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("DoH exchange with %s: %w", url, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH endpoint %s returned %d", url, httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("reading DoH response: %w", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpacking DoH response: %w", err)
	}
	return resp, nil
}

// normalizeUpstreams fills in default ports for wire transports. DoH
// upstreams are URLs and pass through untouched.
func normalizeUpstreams(transport string, upstreams []string) []string {
	if transport == "doh" {
		return append([]string(nil), upstreams...)
	}
	defaultPort := "53"
	if transport == "dot" {
		defaultPort = "853"
	}

	out := make([]string, 0, len(upstreams))
	for _, u := range upstreams {
		if _, _, err := net.SplitHostPort(u); err != nil {
			u = net.JoinHostPort(u, defaultPort)
		}
		out = append(out, u)
	}
	return out
}
