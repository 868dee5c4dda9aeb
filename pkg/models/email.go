package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is returned when a record fails validation at the store boundary
var ErrInvalidRecord = errors.New("invalid record")

// Direction of an email relative to this system
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Attachment describes a file carried by an email. Content is not persisted.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Email is one message in a conversation's history
type Email struct {
	MessageID   string            `json:"message_id"`            // Raw Message-ID header
	InReplyTo   string            `json:"in_reply_to,omitempty"` // Raw In-Reply-To header
	References  []string          `json:"references,omitempty"`  // Raw References chain, oldest first
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Timestamp   time.Time         `json:"timestamp"`
	Direction   Direction         `json:"direction"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the email carries the fields every stored email needs
func (e *Email) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: email is nil", ErrInvalidRecord)
	}
	switch e.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRecord, e.Direction)
	}
	if strings.TrimSpace(e.From) == "" {
		return fmt.Errorf("%w: email has no sender", ErrInvalidRecord)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: email has no timestamp", ErrInvalidRecord)
	}
	return nil
}

// Addresses returns sender and all recipients
func (e *Email) Addresses() []string {
	addrs := make([]string, 0, 1+len(e.To)+len(e.Cc))
	addrs = append(addrs, e.From)
	addrs = append(addrs, e.To...)
	addrs = append(addrs, e.Cc...)
	return addrs
}
