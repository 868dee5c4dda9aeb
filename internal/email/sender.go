package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// SenderConfig configures outbound SMTP
type SenderConfig struct {
	Addr          string // host:port
	Username      string
	Password      string
	From          string
	FromName      string
	RelayDomain   string // Domain the relay uses when it rewrites Message-ID, e.g. email.amazonses.com
	RatePerMinute int
	DialTimeout   time.Duration
}

// SMTPSender sends approved replies and reports both identities of each sent message
type SMTPSender struct {
	config  SenderConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

// NewSMTPSender creates a rate-limited SMTP sender
func NewSMTPSender(cfg SenderConfig, logger *slog.Logger) *SMTPSender {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SMTPSender{
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
		logger:  logger.With("component", "smtp_sender"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Send delivers msg. The tracking id is the Message-ID set here; the transport id is the
// one a rewriting relay assigns, derived from its queued-message response.
func (s *SMTPSender) Send(ctx context.Context, msg *models.OutgoingEmail) (*models.SendResult, error) {
	if strings.TrimSpace(msg.To) == "" {
		return nil, fmt.Errorf("%w: outgoing email has no recipient", models.ErrInvalidRecord)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	trackingID := s.newID() + "@" + DomainOf(s.config.From)
	raw, err := s.compose(msg, trackingID)
	if err != nil {
		return nil, err
	}

	response, err := s.deliver(ctx, msg.To, raw)
	if err != nil {
		return nil, err
	}

	result := &models.SendResult{
		TrackingMessageID:  "<" + trackingID + ">",
		TransportMessageID: "<" + trackingID + ">",
	}
	if queued := queuedID(response); queued != "" && s.config.RelayDomain != "" {
		result.TransportMessageID = "<" + queued + "@" + s.config.RelayDomain + ">"
	}

	s.logger.Info("email sent", "to", msg.To, "tracking_message_id", result.TrackingMessageID,
		"transport_message_id", result.TransportMessageID)
	return result, nil
}

func (s *SMTPSender) compose(msg *models.OutgoingEmail, trackingID string) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.config.FromName, Address: s.config.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(trackingID)
	if id := unbracket(msg.InReplyTo); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			if id := unbracket(r); id != "" {
				refs = append(refs, id)
			}
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body: %w", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	w.Close()
	tw.Close()

	for _, f := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", f.ContentType)
		ah.SetFilename(f.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %s: %w", f.Filename, err)
		}
		if _, err := aw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", f.Filename, err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// deliver runs one SMTP transaction and returns the text of the final DATA response
func (s *SMTPSender) deliver(ctx context.Context, to string, raw []byte) (string, error) {
	host, _, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return "", fmt.Errorf("invalid SMTP address %q: %w", s.config.Addr, err)
	}

	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.config.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return "", fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.config.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.config.Username, s.config.Password, host)); err != nil {
			return "", fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := c.Mail(s.config.From); err != nil {
		return "", fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return "", fmt.Errorf("RCPT TO rejected: %w", err)
	}

	// smtp.Client.Data discards the final response, which carries the relay's queued id
	id, err := c.Text.Cmd("DATA")
	if err != nil {
		return "", fmt.Errorf("DATA failed: %w", err)
	}
	c.Text.StartResponse(id)
	_, _, err = c.Text.ReadResponse(354)
	c.Text.EndResponse(id)
	if err != nil {
		return "", fmt.Errorf("DATA rejected: %w", err)
	}

	dw := c.Text.DotWriter()
	if _, err := dw.Write(raw); err != nil {
		dw.Close()
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := dw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish message: %w", err)
	}
	_, response, err := c.Text.ReadResponse(250)
	if err != nil {
		return "", fmt.Errorf("message rejected: %w", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("QUIT failed after successful send", "error", err)
	}
	return response, nil
}

var (
	queuedAs = regexp.MustCompile(`(?i)queued as\s+<?([A-Za-z0-9][A-Za-z0-9._\-]+)>?`)
	okID     = regexp.MustCompile(`(?i)^\s*(?:\d\.\d\.\d\s+)?ok\s+<?([A-Za-z0-9][A-Za-z0-9._\-]{5,})>?`)
)

// queuedID extracts the id a relay reports for an accepted message,
// e.g. "Ok 0100018c-..." (SES) or "2.0.0 Ok: queued as 4F1AB2C3D4" (Postfix)
func queuedID(response string) string {
	for _, re := range []*regexp.Regexp{queuedAs, okID} {
		if m := re.FindStringSubmatch(response); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

func unbracket(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
