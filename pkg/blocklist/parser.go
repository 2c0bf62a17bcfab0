// Package blocklist downloads remote hostlists, parses the common formats,
// and replaces each list's rule set atomically.
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strings"

	"sentinel/pkg/rules"
)

// ParseResult summarizes one parse pass.
type ParseResult struct {
	Domains  []string
	Rejected int
	Lines    int
}

// Parse reads a hostlist line by line and extracts normalized domains.
// Supported formats: hosts entries ("0.0.0.0 domain"), bare domains, adblock
// domain anchors ("||domain^"), and URL lines. Exception and cosmetic adblock
// rules are skipped, as is anything resolving to localhost.
func Parse(r io.Reader) (ParseResult, error) {
	var res ParseResult
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		res.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isComment(line) {
			continue
		}
		// Cosmetic filter markers also use '#'; reject them before comment
		// trimming so "domain##.selector" cannot decay into a bare domain.
		if strings.Contains(line, "##") || strings.Contains(line, "#@#") || strings.Contains(line, "#?#") {
			res.Rejected++
			continue
		}
		// Hosts convention: '#' starts a comment wherever it appears.
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
			if line == "" {
				continue
			}
		}

		domain := extractDomain(line)
		if domain == "" {
			res.Rejected++
			continue
		}
		normalized := rules.NormalizeDomain(domain)
		if normalized == "" || isLocalhost(normalized) {
			res.Rejected++
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		res.Domains = append(res.Domains, normalized)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading list: %w", err)
	}
	return res, nil
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "#") ||
		strings.HasPrefix(line, "!") ||
		strings.HasPrefix(line, "//")
}

func isLocalhost(domain string) bool {
	return strings.Contains(domain, "localhost")
}

// extractDomain pulls the domain out of one non-comment line, or "" when the
// line carries no usable domain.
func extractDomain(line string) string {
	// Adblock exception rules never yield a domain.
	if strings.HasPrefix(line, "@@") {
		return ""
	}

	// ||domain^ anchor: strip any *. wildcard, stop at ^ / :.
	if rest, ok := strings.CutPrefix(line, "||"); ok {
		rest = strings.TrimPrefix(rest, "*.")
		if i := strings.IndexAny(rest, "^/:"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}

	// |https://host/... or a bare URL line.
	trimmed := strings.TrimPrefix(line, "|")
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}

	fields := strings.Fields(line)
	switch {
	case len(fields) >= 2 && looksLikeIP(fields[0]):
		// hosts format: IP then domain.
		return fields[1]
	case len(fields) >= 1:
		return fields[0]
	}
	return ""
}

func looksLikeIP(s string) bool {
	return strings.Count(s, ".") == 3 || strings.Contains(s, ":")
}
