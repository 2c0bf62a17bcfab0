// Package rules defines the rule vocabulary shared by the policy engine,
// blocklist refresher, and persistence layer: rule scopes with their
// category-string encoding, domain normalization, and the candidate suffix
// walk used for policy matching.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RuleType is the effect of a rule.
type RuleType string

const (
	TypeBlocked RuleType = "BLOCKED"
	TypeAllowed RuleType = "ALLOWED"
)

// Rule is a single domain rule as stored.
type Rule struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Type      RuleType  `json:"type"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScopeKind identifies what owns a rule.
type ScopeKind int

const (
	ScopeManual ScopeKind = iota
	ScopeClient
	ScopeSubnet
	ScopeBlocklist
	ScopeClientPolicy
)

// Scope is the decoded form of a rule category tag. The string encoding is
// bijective: Manual, Client:<id>[:extra], Subnet:<id>[:extra],
// Blocklist:<id>, ClientPolicy:<kind>.
type Scope struct {
	Kind  ScopeKind
	ID    int64  // Client, Subnet, Blocklist
	Extra string // trailing segments, kept for round-tripping
	Tag   string // ClientPolicy kind, e.g. InternetPaused
}

// String encodes the scope back to its category string.
func (s Scope) String() string {
	switch s.Kind {
	case ScopeManual:
		return "Manual"
	case ScopeClient:
		if s.Extra != "" {
			return fmt.Sprintf("Client:%d:%s", s.ID, s.Extra)
		}
		return fmt.Sprintf("Client:%d", s.ID)
	case ScopeSubnet:
		if s.Extra != "" {
			return fmt.Sprintf("Subnet:%d:%s", s.ID, s.Extra)
		}
		return fmt.Sprintf("Subnet:%d", s.ID)
	case ScopeBlocklist:
		return fmt.Sprintf("Blocklist:%d", s.ID)
	case ScopeClientPolicy:
		return "ClientPolicy:" + s.Tag
	}
	return ""
}

// ParseScope decodes a category string. Unrecognized prefixes fall back to
// Manual with the raw value in Extra, so legacy rows never fail to load.
func ParseScope(category string) Scope {
	switch {
	case category == "Manual":
		return Scope{Kind: ScopeManual}
	case strings.HasPrefix(category, "Client:"):
		id, extra := splitID(strings.TrimPrefix(category, "Client:"))
		return Scope{Kind: ScopeClient, ID: id, Extra: extra}
	case strings.HasPrefix(category, "Subnet:"):
		id, extra := splitID(strings.TrimPrefix(category, "Subnet:"))
		return Scope{Kind: ScopeSubnet, ID: id, Extra: extra}
	case strings.HasPrefix(category, "Blocklist:"):
		id, _ := splitID(strings.TrimPrefix(category, "Blocklist:"))
		return Scope{Kind: ScopeBlocklist, ID: id}
	case strings.HasPrefix(category, "ClientPolicy:"):
		return Scope{Kind: ScopeClientPolicy, Tag: strings.TrimPrefix(category, "ClientPolicy:")}
	}
	return Scope{Kind: ScopeManual, Extra: category}
}

// BlocklistCategory is the category owning all rules of one blocklist.
func BlocklistCategory(id int64) string {
	return Scope{Kind: ScopeBlocklist, ID: id}.String()
}

func splitID(s string) (int64, string) {
	idPart := s
	extra := ""
	if i := strings.IndexByte(s, ':'); i >= 0 {
		idPart, extra = s[:i], s[i+1:]
	}
	id, _ := strconv.ParseInt(idPart, 10, 64)
	return id, extra
}

// NormalizeDomain lowercases, trims, and strips the trailing dot. Returns ""
// when the result is not a plausible DNS name: must be 1..253 chars, contain
// a dot, use only [a-z0-9.-], and no label may start or end with a hyphen or
// be empty.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")

	if len(d) == 0 || len(d) > 253 || !strings.Contains(d, ".") {
		return ""
	}
	if strings.Contains(d, "..") {
		return ""
	}

	for _, label := range strings.Split(d, ".") {
		if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
			return ""
		}
	}

	for _, r := range d {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return ""
		}
	}

	return d
}

// NormalizeQueryName lowercases a wire-format query name and strips the
// trailing dot. Unlike NormalizeDomain it never rejects: the resolver must
// log and decide on whatever name arrived.
func NormalizeQueryName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Candidates produces the ordered suffix list for a query name: the
// normalized full name first, then one label stripped per step down to and
// including the final TLD label. Blocking example.com therefore also catches
// a.b.example.com.
func Candidates(queryName string) []string {
	name := strings.ToLower(strings.TrimSpace(queryName))
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}

	out := []string{name}
	for {
		i := strings.IndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[i+1:]
		out = append(out, name)
	}
	return out
}
