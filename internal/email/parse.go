package email

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/arkb75/SoloPilot-sub000/internal/parser"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// Metadata keys set by the parser
const (
	MetaAutoSubmitted = "auto_submitted"
	MetaPrecedence    = "precedence"
	MetaFromName      = "from_name"
)

// ErrMalformed is returned for messages that cannot be read as RFC 5322
var ErrMalformed = errors.New("malformed message")

// Parser converts raw RFC 5322 messages into inbound emails
type Parser struct {
	body *parser.BodyExtractor
	now  func() time.Time
}

// NewParser creates a message parser
func NewParser(body *parser.BodyExtractor) *Parser {
	return &Parser{body: body, now: time.Now}
}

// Parse reads one message. Threading ids keep their angle brackets; canonicalization
// happens downstream.
func (p *Parser) Parse(r io.Reader) (*models.Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: failed to read message: %w", ErrMalformed, err)
	}
	defer mr.Close()

	h := mr.Header
	email := &models.Email{
		Direction: models.DirectionInbound,
		MessageID: bracketed(messageID(h)),
		Metadata:  map[string]string{},
	}

	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		email.InReplyTo = bracketed(ids[0])
	} else {
		email.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			email.References = append(email.References, bracketed(id))
		}
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = models.NormalizeAddress(from[0].Address)
		if from[0].Name != "" {
			email.Metadata[MetaFromName] = from[0].Name
		}
	}
	email.To = addresses(h, "To")
	email.Cc = addresses(h, "Cc")

	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		email.Timestamp = date.UTC()
	} else {
		email.Timestamp = p.now().UTC()
	}

	if v := h.Get("Auto-Submitted"); v != "" {
		email.Metadata[MetaAutoSubmitted] = strings.ToLower(strings.TrimSpace(v))
	}
	if v := h.Get("Precedence"); v != "" {
		email.Metadata[MetaPrecedence] = strings.ToLower(strings.TrimSpace(v))
	}

	var textPart, htmlPart string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("%w: failed to read part: %w", ErrMalformed, err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain") && textPart == "":
				textPart = string(body)
			case strings.HasPrefix(ct, "text/html") && htmlPart == "":
				htmlPart = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			email.Attachments = append(email.Attachments, models.Attachment{Filename: filename, ContentType: ct, Size: size})
		}
	}

	body, err := p.body.Extract(textPart, htmlPart)
	if err != nil {
		return nil, err
	}
	email.Body = body

	if len(email.Metadata) == 0 {
		email.Metadata = nil
	}
	return email, nil
}

func messageID(h mail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	return strings.TrimSpace(h.Get("Message-Id"))
}

func bracketed(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, models.NormalizeAddress(a.Address))
	}
	return out
}
