package models

import (
	"fmt"
	"strings"
	"time"
)

// ReplyStatus of a drafted outbound reply
type ReplyStatus string

const (
	ReplyPending  ReplyStatus = "pending"
	ReplyApproved ReplyStatus = "approved"
	ReplyRejected ReplyStatus = "rejected"
)

// Reply action types recorded in metadata; they drive phase transitions after a send
const (
	ActionInitialProposal = "initial_proposal"
	ActionRevisedProposal = "revised_proposal"
	ActionClarification   = "clarification"
)

// ReplyMetadata carries what is needed to send a drafted reply
type ReplyMetadata struct {
	Recipient     string            `json:"recipient"`
	Subject       string            `json:"subject"`
	InReplyTo     string            `json:"in_reply_to,omitempty"`
	References    []string          `json:"references,omitempty"`
	ShouldSendPDF bool              `json:"should_send_pdf"`
	EmailBody     string            `json:"email_body,omitempty"`
	ActionType    string            `json:"action_type,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// PendingReply is a drafted outbound email awaiting human review
type PendingReply struct {
	ReplyID         string        `json:"reply_id"`
	ConversationID  string        `json:"conversation_id"`
	Prompt          string        `json:"prompt"`
	DraftBody       string        `json:"draft_body"`
	Phase           Phase         `json:"phase"`
	Status          ReplyStatus   `json:"status"`
	Metadata        ReplyMetadata `json:"metadata"`
	CreatedAt       time.Time     `json:"created_at"`
	ReviewedAt      *time.Time    `json:"reviewed_at,omitempty"`
	ReviewedBy      string        `json:"reviewed_by,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	SentMessageID   string        `json:"sent_message_id,omitempty"`
	AmendedContent  string        `json:"amended_content,omitempty"`
}

// Validate checks the fields required to queue a reply
func (r *PendingReply) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: reply is nil", ErrInvalidRecord)
	}
	if r.ReplyID == "" || r.ConversationID == "" {
		return fmt.Errorf("%w: reply is missing ids", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Metadata.Recipient) == "" {
		return fmt.Errorf("%w: reply %s has no recipient", ErrInvalidRecord, r.ReplyID)
	}
	switch r.Status {
	case ReplyPending, ReplyApproved, ReplyRejected:
	default:
		return fmt.Errorf("%w: reply %s has unknown status %q", ErrInvalidRecord, r.ReplyID, r.Status)
	}
	return nil
}

// OutgoingBody is the text that will be sent: amended content wins over the
// email body extracted by the drafter, which wins over the raw draft.
func (r *PendingReply) OutgoingBody() string {
	if r.AmendedContent != "" {
		return r.AmendedContent
	}
	if r.Metadata.EmailBody != "" {
		return r.Metadata.EmailBody
	}
	return r.DraftBody
}

// Draft is a reply proposed by the drafting collaborator, before it is queued
type Draft struct {
	Prompt         string        `json:"prompt"`
	Body           string        `json:"body"`
	SuggestedPhase Phase         `json:"suggested_phase,omitempty"`
	Metadata       ReplyMetadata `json:"metadata"`
}
