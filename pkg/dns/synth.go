package dns

import (
	"net"
	"strings"

	"github.com/miekg/dns"

	"sentinel/pkg/rules"
)

const syntheticTTL = 300

// synthesizeNXDOMAIN builds the blocked-domain response: the request echoed
// back with the low four RCODE bits replaced by NXDOMAIN, all other header
// flags preserved, and no answers.
func synthesizeNXDOMAIN(req *dns.Msg) *dns.Msg {
	resp := req.Copy()
	resp.Response = true
	resp.Rcode = (resp.Rcode &^ 0xF) | dns.RcodeNameError
	resp.Answer = nil
	resp.Ns = nil
	resp.Extra = nil
	return resp
}

// synthesizeSERVFAIL is the upstream-failure response.
func synthesizeSERVFAIL(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	return resp
}

// synthesizeRewrite answers a rewrite decision locally: an A record for an
// IPv4 target, AAAA for an IPv6 literal, CNAME for a name target. A target
// whose family does not match the question type yields an empty NOERROR.
func synthesizeRewrite(req *dns.Msg, target string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)

	if len(req.Question) == 0 {
		return resp
	}
	q := req.Question[0]

	if ip := net.ParseIP(target); ip != nil {
		switch {
		case ip.To4() != nil && q.Qtype == dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name: q.Name, Rrtype: dns.TypeA,
					Class: dns.ClassINET, Ttl: syntheticTTL,
				},
				A: ip.To4(),
			})
		case ip.To4() == nil && q.Qtype == dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name: q.Name, Rrtype: dns.TypeAAAA,
					Class: dns.ClassINET, Ttl: syntheticTTL,
				},
				AAAA: ip.To16(),
			})
		}
		return resp
	}

	cname := rules.NormalizeQueryName(target)
	if cname == "" {
		return resp
	}
	resp.Answer = append(resp.Answer, &dns.CNAME{
		Hdr: dns.RR_Header{
			Name: q.Name, Rrtype: dns.TypeCNAME,
			Class: dns.ClassINET, Ttl: syntheticTTL,
		},
		Target: dns.Fqdn(cname),
	})
	return resp
}

// answerIPs collects the A/AAAA answer addresses for the query log.
func answerIPs(msg *dns.Msg) []string {
	if msg == nil {
		return nil
	}
	var out []string
	for _, rr := range msg.Answer {
		switch a := rr.(type) {
		case *dns.A:
			out = append(out, a.A.String())
		case *dns.AAAA:
			out = append(out, a.AAAA.String())
		}
	}
	return out
}

// questionName returns the normalized query name, "" when the message has no
// question.
func questionName(msg *dns.Msg) string {
	if len(msg.Question) == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(msg.Question[0].Name), ".")
}
