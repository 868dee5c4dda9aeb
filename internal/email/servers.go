package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

type provider struct {
	imap string
	smtp string
}

// Mail servers of common providers
var knownProviders = map[string]provider{
	"gmail.com":      {imap: "imap.gmail.com:993", smtp: "smtp.gmail.com:587"},
	"googlemail.com": {imap: "imap.gmail.com:993", smtp: "smtp.gmail.com:587"},
	"outlook.com":    {imap: "outlook.office365.com:993", smtp: "smtp.office365.com:587"},
	"hotmail.com":    {imap: "outlook.office365.com:993", smtp: "smtp.office365.com:587"},
	"live.com":       {imap: "outlook.office365.com:993", smtp: "smtp.office365.com:587"},
	"yahoo.com":      {imap: "imap.mail.yahoo.com:993", smtp: "smtp.mail.yahoo.com:587"},
	"icloud.com":     {imap: "imap.mail.me.com:993", smtp: "smtp.mail.me.com:587"},
	"me.com":         {imap: "imap.mail.me.com:993", smtp: "smtp.mail.me.com:587"},
	"zoho.com":       {imap: "imap.zoho.com:993", smtp: "smtp.zoho.com:587"},
	"fastmail.com":   {imap: "imap.fastmail.com:993", smtp: "smtp.fastmail.com:587"},
	"proton.me":      {imap: "127.0.0.1:1143", smtp: "127.0.0.1:1025"}, // ProtonMail Bridge
	"protonmail.com": {imap: "127.0.0.1:1143", smtp: "127.0.0.1:1025"},
}

// ServerResolver finds the IMAP/SMTP servers for a mailbox address when they are not configured
type ServerResolver struct {
	probe    func(ctx context.Context, address string) bool
	lookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
}

// NewServerResolver creates a resolver that probes candidates over TCP
func NewServerResolver() *ServerResolver {
	return &ServerResolver{
		probe:    probeTCP,
		lookupMX: net.DefaultResolver.LookupMX,
	}
}

// IMAP returns host:port of the IMAP server for the address
func (r *ServerResolver) IMAP(ctx context.Context, address string) (string, error) {
	return r.resolve(ctx, address, "imap", "993", func(p provider) string { return p.imap })
}

// SMTP returns host:port of the SMTP submission server for the address
func (r *ServerResolver) SMTP(ctx context.Context, address string) (string, error) {
	return r.resolve(ctx, address, "smtp", "587", func(p provider) string { return p.smtp })
}

func (r *ServerResolver) resolve(ctx context.Context, address, prefix, port string, pick func(provider) string) (string, error) {
	domain := DomainOf(address)
	if domain == "" {
		return "", fmt.Errorf("invalid email format: %q", address)
	}

	if p, ok := knownProviders[domain]; ok {
		return pick(p), nil
	}

	for _, host := range []string{prefix + "." + domain, "mail." + domain, domain} {
		candidate := net.JoinHostPort(host, port)
		if r.probe(ctx, candidate) {
			return candidate, nil
		}
	}

	// e.g. mx1.example.net -> imap.example.net
	if mx, err := r.lookupMX(ctx, domain); err == nil && len(mx) > 0 {
		mxHost := strings.TrimSuffix(mx[0].Host, ".")
		if parts := strings.SplitN(mxHost, ".", 2); len(parts) == 2 {
			for _, host := range []string{prefix + "." + parts[1], "mail." + parts[1]} {
				candidate := net.JoinHostPort(host, port)
				if r.probe(ctx, candidate) {
					return candidate, nil
				}
			}
		}
	}

	return net.JoinHostPort(prefix+"."+domain, port), nil
}

func probeTCP(ctx context.Context, address string) bool {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// DomainOf extracts the lower-cased domain from an email address
func DomainOf(address string) string {
	parts := strings.Split(strings.TrimSpace(address), "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
