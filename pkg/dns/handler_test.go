package dns

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/cache"
	"sentinel/pkg/forwarder"
	"sentinel/pkg/logging"
	"sentinel/pkg/policy"
	"sentinel/pkg/rules"
	"sentinel/pkg/secrets"
	"sentinel/pkg/storage"
)

// fakeWriter is a dns.ResponseWriter capturing the reply.
type fakeWriter struct {
	msg    *dns.Msg
	remote net.Addr
}

func (f *fakeWriter) WriteMsg(m *dns.Msg) error   { f.msg = m; return nil }
func (f *fakeWriter) LocalAddr() net.Addr         { return &net.UDPAddr{IP: net.IPv4zero, Port: 53} }
func (f *fakeWriter) RemoteAddr() net.Addr        { return f.remote }
func (f *fakeWriter) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeWriter) Close() error                { return nil }
func (f *fakeWriter) TsigStatus() error           { return nil }
func (f *fakeWriter) TsigTimersOnly(bool)         {}
func (f *fakeWriter) Hijack()                     {}

func writerFrom(ip string) *fakeWriter {
	return &fakeWriter{remote: &net.UDPAddr{IP: net.ParseIP(ip), Port: 50000}}
}

type testEnv struct {
	handler *Handler
	store   *storage.Store
	engine  *policy.Engine
	log     *storage.QueryLog
}

// newTestEnv builds handler + engine + upstream against a local dns.Server.
func newTestEnv(t *testing.T, shadowResolve bool) *testEnv {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	upstream := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(r)
		if r.Question[0].Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name: r.Question[0].Name, Rrtype: dns.TypeA,
					Class: dns.ClassINET, Ttl: 60,
				},
				A: net.IPv4(93, 184, 216, 34),
			})
		}
		_ = w.WriteMsg(resp)
	})}
	go func() { _ = upstream.ActivateAndServe() }()
	t.Cleanup(func() { _ = upstream.Shutdown() })

	store, err := storage.Open(filepath.Join(t.TempDir(), "dns.db"),
		secrets.NewCipher("k"), logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := policy.NewEngine(store, logging.NewDefault(), nil, time.Minute)
	require.NoError(t, engine.Refresh(context.Background(), true))

	var settings storage.DNSSettings
	settings.Forward.Transport = "udp"
	settings.Forward.Upstreams = []string{pc.LocalAddr().String()}
	fwd := forwarder.New(settings, logging.NewDefault(), nil)

	h := NewHandler(engine, fwd, logging.NewDefault(), nil, shadowResolve)
	h.SetCache(cache.New(100))
	qlog := storage.NewQueryLog(store, nil)
	t.Cleanup(qlog.Close)
	h.SetQueryLog(qlog)

	return &testEnv{handler: h, store: store, engine: engine, log: qlog}
}

func (e *testEnv) refresh(t *testing.T) {
	t.Helper()
	require.NoError(t, e.engine.Refresh(context.Background(), true))
}

func (e *testEnv) query(t *testing.T, name, clientIP string) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	w := writerFrom(clientIP)
	e.handler.ServeDNS(context.Background(), w, req)
	require.NotNil(t, w.msg, "no reply written")
	return w.msg
}

func (e *testEnv) loggedEntries(t *testing.T) []storage.LogEntry {
	t.Helper()
	require.NoError(t, e.log.Flush(context.Background()))
	entries, err := e.store.ListLogEntries(context.Background(), storage.LogFilter{Hours: 1})
	require.NoError(t, err)
	return entries
}

func TestPermittedForwardRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.query(t, "example.com", "10.0.0.1")
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusPermitted, entries[0].Status)
	assert.Equal(t, "example.com", entries[0].Domain)
	assert.Equal(t, "10.0.0.1", entries[0].ClientIP)
	assert.Equal(t, []string{"93.184.216.34"}, entries[0].AnswerIPs)
}

func TestBlockedReturnsNXDOMAIN(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	b, err := env.store.CreateBlocklist(ctx, "ads", "https://l.example/a.txt", storage.ModeActive)
	require.NoError(t, err)
	_, err = env.store.ReplaceBlocklistRules(ctx, b.ID, []string{"ads.example.com"})
	require.NoError(t, err)
	env.refresh(t)

	resp := env.query(t, "tracker.ads.example.com", "10.0.0.1")
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.True(t, resp.RecursionDesired)

	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusBlocked, entries[0].Status)
	assert.Equal(t, rules.BlocklistCategory(b.ID), entries[0].BlocklistID)
	assert.Empty(t, entries[0].AnswerIPs)
}

func TestShadowResolveCollectsAnswers(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	b, err := env.store.CreateBlocklist(ctx, "ads", "https://l.example/a.txt", storage.ModeActive)
	require.NoError(t, err)
	_, err = env.store.ReplaceBlocklistRules(ctx, b.ID, []string{"ads.example.com"})
	require.NoError(t, err)
	env.refresh(t)

	// The client still sees NXDOMAIN, but analytics capture the answer.
	resp := env.query(t, "ads.example.com", "10.0.0.1")
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)

	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusBlocked, entries[0].Status)
	assert.Equal(t, []string{"93.184.216.34"}, entries[0].AnswerIPs)
}

func TestShadowBlockedStillAnswers(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	b, err := env.store.CreateBlocklist(ctx, "watch", "https://l.example/s.txt", storage.ModeShadow)
	require.NoError(t, err)
	_, err = env.store.ReplaceBlocklistRules(ctx, b.ID, []string{"watched.example.net"})
	require.NoError(t, err)
	env.refresh(t)

	resp := env.query(t, "watched.example.net", "10.0.0.1")
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusShadowBlocked, entries[0].Status)
	assert.Equal(t, rules.BlocklistCategory(b.ID), entries[0].BlocklistID)
}

func TestCacheHitLogsCached(t *testing.T) {
	env := newTestEnv(t, false)

	first := env.query(t, "cached.example.com", "10.0.0.1")
	require.Len(t, first.Answer, 1)
	second := env.query(t, "cached.example.com", "10.0.0.1")
	require.Len(t, second.Answer, 1)

	entries := env.loggedEntries(t)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, storage.StatusCached, entries[0].Status)
	assert.Equal(t, storage.StatusPermitted, entries[1].Status)
}

func TestRewriteAnswersLocally(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.store.SetRewrites(ctx, []storage.Rewrite{
		{ID: "r1", Domain: "printer.lan.example.com", Target: "192.168.1.50"},
	}))
	env.refresh(t)

	resp := env.query(t, "printer.lan.example.com", "10.0.0.1")
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.50", a.A.String())

	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusPermitted, entries[0].Status)
	assert.Equal(t, []string{"192.168.1.50"}, entries[0].AnswerIPs)
}

func TestUpstreamFailureAnswersSERVFAIL(t *testing.T) {
	env := newTestEnv(t, false)

	// Point the forwarder at a dead upstream.
	var settings storage.DNSSettings
	settings.Forward.Transport = "udp"
	settings.Forward.Upstreams = []string{"127.0.0.1:1"}
	env.handler.forwarder.Update(settings)

	resp := env.query(t, "unreachable.example.com", "10.0.0.1")
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestClientNameInLog(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.store.CreateClient(ctx, storage.ClientProfile{
		Type: "laptop", Name: "annas-laptop", IP: "10.0.0.42", UseGlobalSettings: true,
	})
	require.NoError(t, err)
	env.refresh(t)

	env.query(t, "example.com", "10.0.0.42")
	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "annas-laptop", entries[0].Client)
}

func TestMappedIPv4ClientNormalized(t *testing.T) {
	env := newTestEnv(t, false)

	w := &fakeWriter{remote: &net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.7"), Port: 5}}
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	env.handler.ServeDNS(context.Background(), w, req)

	entries := env.loggedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.7", entries[0].ClientIP)
}
