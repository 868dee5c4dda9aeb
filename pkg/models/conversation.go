package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Phase of the sales/intake dialogue
type Phase string

const (
	PhaseUnderstanding    Phase = "understanding"
	PhaseProposalDraft    Phase = "proposal_draft"
	PhaseProposalFeedback Phase = "proposal_feedback"
	PhaseCompleted        Phase = "completed"
)

// Status of a conversation record
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Conversation is the aggregate for one email thread
type Conversation struct {
	ConversationID      string          `json:"conversation_id"`
	Status              Status          `json:"status"`
	Phase               Phase           `json:"phase"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	LastSeq             int64           `json:"last_seq"`             // Inbound append counter
	RequirementsVersion int64           `json:"requirements_version"` // Independent of LastSeq
	EmailHistory        []Email         `json:"email_history"`
	Participants        []string        `json:"participants"`      // Sorted, lower-cased set
	ThreadReferences    []string        `json:"thread_references"` // Canonical ids, first-seen order
	PendingReplies      []PendingReply  `json:"pending_replies"`
	TTL                 time.Time       `json:"ttl"`
	OriginalMessageID   string          `json:"original_message_id"`
	Requirements        json.RawMessage `json:"requirements,omitempty"`
	NormalizedSubject   string          `json:"normalized_subject"`
}

// Validate checks the scalar fields of a conversation before it is written
func (c *Conversation) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: conversation is nil", ErrInvalidRecord)
	}
	if strings.TrimSpace(c.ConversationID) == "" {
		return fmt.Errorf("%w: conversation has no id", ErrInvalidRecord)
	}
	if c.Phase == "" {
		return fmt.Errorf("%w: conversation %s has no phase", ErrInvalidRecord, c.ConversationID)
	}
	switch c.Status {
	case StatusActive, StatusClosed:
	default:
		return fmt.Errorf("%w: conversation %s has unknown status %q", ErrInvalidRecord, c.ConversationID, c.Status)
	}
	if c.LastSeq < 0 || c.RequirementsVersion < 0 {
		return fmt.Errorf("%w: conversation %s has negative counters", ErrInvalidRecord, c.ConversationID)
	}
	return nil
}

// HasParticipant reports whether addr takes part in the conversation
func (c *Conversation) HasParticipant(addr string) bool {
	addr = NormalizeAddress(addr)
	for _, p := range c.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// PendingReply returns the reply with the given id
func (c *Conversation) PendingReply(replyID string) (*PendingReply, bool) {
	for i := range c.PendingReplies {
		if c.PendingReplies[i].ReplyID == replyID {
			return &c.PendingReplies[i], true
		}
	}
	return nil, false
}

// NormalizeAddress lower-cases and trims an email address for set comparisons
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// MergeParticipants returns the sorted union of existing and addrs, skipping empty entries
func MergeParticipants(existing []string, addrs ...string) []string {
	set := make(map[string]struct{}, len(existing)+len(addrs))
	for _, a := range existing {
		if a = NormalizeAddress(a); a != "" {
			set[a] = struct{}{}
		}
	}
	for _, a := range addrs {
		if a = NormalizeAddress(a); a != "" {
			set[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
