package identity

import (
	"regexp"
	"strings"
)

// Canonicalizer turns raw Message-ID header values into stable comparison keys
type Canonicalizer struct {
	relayDomains []string
}

// NewCanonicalizer creates a canonicalizer that folds ids minted by the given relay domains
// (and their subdomains) down to the bare local part
func NewCanonicalizer(relayDomains []string) *Canonicalizer {
	domains := make([]string, 0, len(relayDomains))
	for _, d := range relayDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			domains = append(domains, d)
		}
	}
	return &Canonicalizer{relayDomains: domains}
}

// Canonicalize returns the key for raw, or "" if raw carries no usable identity
func (c *Canonicalizer) Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\r\n<>") {
		return ""
	}

	switch strings.Count(s, "@") {
	case 0:
		// Bare token, typically a relay id that already lost its domain
		return s
	case 1:
	default:
		return ""
	}

	at := strings.IndexByte(s, '@')
	local, domain := s[:at], strings.ToLower(s[at+1:])
	if local == "" || domain == "" {
		return ""
	}
	if c.isRelay(domain) {
		return local
	}
	return local + "@" + domain
}

// CanonicalizeAll canonicalizes every id, dropping empty keys and duplicates while keeping order
func (c *Canonicalizer) CanonicalizeAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		key := c.Canonicalize(r)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

func (c *Canonicalizer) isRelay(domain string) bool {
	for _, d := range c.relayDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

var bracketedID = regexp.MustCompile(`<[^<>]+>`)

// SplitIDs splits a References or In-Reply-To header value into individual ids.
// Bracketed ids are preferred; headers without brackets are split on whitespace.
func SplitIDs(header string) []string {
	if matches := bracketedID.FindAllString(header, -1); len(matches) > 0 {
		return matches
	}
	return strings.Fields(header)
}
