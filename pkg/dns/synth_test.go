package dns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeNXDOMAINPreservesFlags(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("blocked.example.com.", dns.TypeA)
	req.RecursionDesired = true
	req.CheckingDisabled = true
	req.Id = 777

	resp := synthesizeNXDOMAIN(req)

	assert.True(t, resp.Response)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.True(t, resp.RecursionDesired)
	assert.True(t, resp.CheckingDisabled)
	assert.EqualValues(t, 777, resp.Id)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra)
	require.Len(t, resp.Question, 1)
	assert.Equal(t, "blocked.example.com.", resp.Question[0].Name)
}

func TestSynthesizeSERVFAIL(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("broken.example.com.", dns.TypeA)

	resp := synthesizeSERVFAIL(req)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.True(t, resp.Response)
}

func TestSynthesizeRewriteA(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("router.lan.example.com.", dns.TypeA)

	resp := synthesizeRewrite(req, "192.168.1.1")
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.1", a.A.String())
	assert.EqualValues(t, syntheticTTL, a.Hdr.Ttl)
}

func TestSynthesizeRewriteAAAA(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("router.lan.example.com.", dns.TypeAAAA)

	resp := synthesizeRewrite(req, "fd00::1")
	require.Len(t, resp.Answer, 1)
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "fd00::1", aaaa.AAAA.String())
}

func TestSynthesizeRewriteFamilyMismatch(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("router.lan.example.com.", dns.TypeAAAA)

	// IPv4 target for an AAAA question: empty NOERROR.
	resp := synthesizeRewrite(req, "192.168.1.1")
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestSynthesizeRewriteCNAME(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("alias.example.com.", dns.TypeA)

	resp := synthesizeRewrite(req, "Real.Example.COM.")
	require.Len(t, resp.Answer, 1)
	cname, ok := resp.Answer[0].(*dns.CNAME)
	require.True(t, ok)
	assert.Equal(t, "real.example.com.", cname.Target)
}

func TestAnswerIPs(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: []byte{93, 184, 216, 34}},
		&dns.CNAME{Hdr: dns.RR_Header{Rrtype: dns.TypeCNAME}, Target: "x.example.com."},
	}
	assert.Equal(t, []string{"93.184.216.34"}, answerIPs(msg))
	assert.Nil(t, answerIPs(nil))
}

func TestNormalizeClientIP(t *testing.T) {
	assert.Equal(t, "192.168.1.10", NormalizeClientIP("::ffff:192.168.1.10"))
	assert.Equal(t, "fe80::1", NormalizeClientIP("fe80::1%eth0"))
	assert.Equal(t, "10.0.0.1", NormalizeClientIP("  10.0.0.1  "))
	assert.Equal(t, "0.0.0.0", NormalizeClientIP(""))
	assert.Equal(t, "0.0.0.0", NormalizeClientIP("   "))
}

func TestIsTailscaleIP(t *testing.T) {
	assert.True(t, IsTailscaleIP("100.64.0.1"))
	assert.True(t, IsTailscaleIP("100.127.255.254"))
	assert.False(t, IsTailscaleIP("100.128.0.1"))
	assert.True(t, IsTailscaleIP("fd7a:115c:a1e0::1"))
	assert.False(t, IsTailscaleIP("fd7a:115c:a1e1::1"))
	assert.False(t, IsTailscaleIP("not-an-ip"))
}
