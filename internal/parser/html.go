package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// BodyExtractor turns MIME text parts into the plain text stored in conversation history
type BodyExtractor struct {
	spaces     *regexp.Regexp
	newlines   *regexp.Regexp
	invisible  *regexp.Regexp
	quoteIntro *regexp.Regexp
}

// NewBodyExtractor creates a body extractor
func NewBodyExtractor() *BodyExtractor {
	return &BodyExtractor{
		spaces:   regexp.MustCompile(`[^\S\n]+`),
		newlines: regexp.MustCompile(`\n{3,}`),
		// Zero-width and other invisible characters used by marketing templates
		invisible:  regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{061C}\x{180E}\x{2060}-\x{2064}]+`),
		quoteIntro: regexp.MustCompile(`(?im)^\s*(on .{0,200}wrote:|-{2,}\s*original message\s*-{2,}|from:\s.+\bsent:\s)`),
	}
}

// Extract returns the plain text body, preferring the text part and falling back to HTML
func (e *BodyExtractor) Extract(textPart, htmlPart string) (string, error) {
	if strings.TrimSpace(textPart) != "" {
		return e.clean(textPart), nil
	}
	return e.HTMLToText(htmlPart)
}

// HTMLToText converts an HTML body to clean plain text
func (e *BodyExtractor) HTMLToText(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse html body: %w", err)
	}

	doc.Find("script, style, head, meta, link").Remove()
	// Gmail and Outlook wrap the quoted thread in these containers
	doc.Find("blockquote, div.gmail_quote, #divRplyFwdMsg").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	return e.clean(doc.Text()), nil
}

// StripQuoted drops the quoted history that mail clients append below a reply
func (e *BodyExtractor) StripQuoted(text string) string {
	if loc := e.quoteIntro.FindStringIndex(text); loc != nil && loc[0] > 0 {
		text = text[:loc[0]]
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (e *BodyExtractor) clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = e.invisible.ReplaceAllString(text, "")
	text = e.spaces.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")

	return strings.TrimSpace(e.newlines.ReplaceAllString(text, "\n\n"))
}
