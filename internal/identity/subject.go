package identity

import (
	"regexp"
	"strings"
)

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd|fw)\s*(\[\d+\])?\s*:\s*`)

// NormalizeSubject strips reply and forward prefixes until none remain,
// then lower-cases and collapses whitespace
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
