package parser

import (
	"regexp"
)

// AutomatedFilter recognizes auto-replies, bounces and out-of-office notices
type AutomatedFilter struct {
	body    []*marker
	subject []*marker
}

type marker struct {
	Kind  string
	Regex *regexp.Regexp
}

// NewAutomatedFilter creates a filter with the default marker set
func NewAutomatedFilter() *AutomatedFilter {
	return &AutomatedFilter{
		// Body markers match whole notice phrasing; mentions of auto-replies or leave
		// inside an ordinary request must not drop the message
		body: []*marker{
			{Kind: "auto_reply", Regex: regexp.MustCompile(`(?i)\bthis is an? (automated|automatic|auto-generated) (reply|response|message|e-?mail)\b`)},
			{Kind: "auto_reply", Regex: regexp.MustCompile(`(?i)\bthis (e-?mail|message) (is|was|has been) (automatically generated|sent automatically|generated automatically)\b`)},
			{Kind: "auto_reply", Regex: regexp.MustCompile(`(?i)\bplease do not reply to this (automated )?(e-?mail|message)\b`)},
			{Kind: "out_of_office", Regex: regexp.MustCompile(`(?i)\b(out of (the )?office|on (annual |parental |sick )?leave|away from (the )?office)\b[^.]{0,80}\b(limited|no) access to (e-?mail|my e-?mail|my inbox)\b`)},
			{Kind: "out_of_office", Regex: regexp.MustCompile(`(?i)\b(reply|respond|get back to you)\b[^.]{0,60}\b(upon|on|when|after) (my return|i return|i am back|i'm back)\b`)},
			{Kind: "out_of_office", Regex: regexp.MustCompile(`(?i)\bin my absence,? (please )?(contact|reach out to)\b`)},
			{Kind: "bounce", Regex: regexp.MustCompile(`(?i)delivery (status notification|has failed|to the following recipients? failed)`)},
			{Kind: "bounce", Regex: regexp.MustCompile(`(?i)\b(your|this|the following) (message|mail) (could not be|was not) delivered`)},
			{Kind: "bounce", Regex: regexp.MustCompile(`(?i)\b(mailer-daemon|postmaster)@`)},
		},
		subject: []*marker{
			{Kind: "auto_reply", Regex: regexp.MustCompile(`(?i)^\s*(auto(matic)?[\s\-]?(reply|response)|autoreply)\b`)},
			{Kind: "out_of_office", Regex: regexp.MustCompile(`(?i)\b(out of (the )?office|ooo|vacation (reply|response))\b`)},
			{Kind: "bounce", Regex: regexp.MustCompile(`(?i)\b(undeliverable|undelivered mail|delivery (status notification|failure)|returned mail|mail delivery failed)\b`)},
		},
	}
}

// IsAutomated reports whether the message is machine-generated traffic
func (f *AutomatedFilter) IsAutomated(body, subject string) bool {
	return f.Classify(body, subject) != ""
}

// Classify returns the kind of the first matching marker, or "" for a human message
func (f *AutomatedFilter) Classify(body, subject string) string {
	for _, m := range f.subject {
		if m.Regex.MatchString(subject) {
			return m.Kind
		}
	}
	for _, m := range f.body {
		if m.Regex.MatchString(body) {
			return m.Kind
		}
	}
	return ""
}
