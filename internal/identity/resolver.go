package identity

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// Method describes how a conversation was chosen
type Method string

const (
	MethodReference Method = "reference"
	MethodSubject   Method = "subject"
	MethodNew       Method = "new"
)

// MessageLookup resolves a canonical message id to its conversation
type MessageLookup interface {
	Lookup(ctx context.Context, canonicalID string) (string, bool, error)
}

// SubjectFinder returns recent conversations with the given normalized subject
type SubjectFinder interface {
	FindBySubject(ctx context.Context, normalizedSubject string, since time.Time) ([]*models.Conversation, error)
}

// Headers are the RFC 5322 fields used for thread resolution
type Headers struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	To         []string
	Cc         []string
	Date       time.Time
}

// Resolution is the outcome of resolving one message
type Resolution struct {
	ConversationID    string
	OriginalMessageID string
	MessageID         string // Canonical id of the message itself, "" if it has none
	References        []string
	Method            Method
}

// ResolverConfig configures the subject/participant fallback
type ResolverConfig struct {
	Lookback time.Duration
	Self     []string // Own addresses; they take part in every conversation and never count as overlap
}

// Resolver maps inbound messages onto conversations
type Resolver struct {
	canon  *Canonicalizer
	index  MessageLookup
	finder SubjectFinder
	cfg    ResolverConfig
	logger *slog.Logger
	now    func() time.Time
	newID  func(canonicalID string) string
	self   []string
}

// NewResolver creates a resolver
func NewResolver(canon *Canonicalizer, index MessageLookup, finder SubjectFinder, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	self := make([]string, 0, len(cfg.Self))
	for _, a := range cfg.Self {
		self = append(self, models.NormalizeAddress(a))
	}
	return &Resolver{
		canon:  canon,
		index:  index,
		finder: finder,
		cfg:    cfg,
		logger: logger.With("component", "resolver"),
		now:    time.Now,
		newID:  conversationIDFor,
		self:   self,
	}
}

// conversationIDFor derives the id of a new conversation from the message that starts it,
// so two deliveries of the same first message land in the same conversation
func conversationIDFor(canonicalID string) string {
	if canonicalID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(canonicalID)).String()
}

// Resolve decides which conversation the message belongs to
func (r *Resolver) Resolve(ctx context.Context, h Headers) (*Resolution, error) {
	res := &Resolution{MessageID: r.canon.Canonicalize(h.MessageID)}

	inReplyTo := r.canon.CanonicalizeAll(SplitIDs(h.InReplyTo))
	res.References = r.canon.CanonicalizeAll(h.References)

	// In-Reply-To first, then references from the most recent back to the thread root
	candidates := make([]string, 0, len(inReplyTo)+len(res.References))
	candidates = append(candidates, inReplyTo...)
	for i := len(res.References) - 1; i >= 0; i-- {
		candidates = append(candidates, res.References[i])
	}

	for _, key := range candidates {
		convID, ok, err := r.index.Lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", key, err)
		}
		if !ok {
			continue
		}
		res.ConversationID = convID
		res.Method = MethodReference
		switch {
		case len(res.References) > 0:
			res.OriginalMessageID = res.References[0]
		case len(inReplyTo) > 0:
			res.OriginalMessageID = inReplyTo[0]
		}
		return res, nil
	}

	if len(candidates) > 0 {
		match, err := r.matchBySubject(ctx, h)
		if err != nil {
			return nil, err
		}
		if match != nil {
			res.ConversationID = match.ConversationID
			res.OriginalMessageID = match.OriginalMessageID
			res.Method = MethodSubject
			return res, nil
		}
		r.logger.Info("Reply headers did not resolve, starting new conversation",
			"message_id", res.MessageID, "references", len(candidates))
	}

	res.ConversationID = r.newID(res.MessageID)
	res.OriginalMessageID = res.MessageID
	res.Method = MethodNew
	return res, nil
}

// matchBySubject picks the recent conversation with the same normalized subject that shares
// the most participants with the message. Ties go to the most recently updated conversation.
func (r *Resolver) matchBySubject(ctx context.Context, h Headers) (*models.Conversation, error) {
	subject := NormalizeSubject(h.Subject)
	if subject == "" || r.finder == nil {
		return nil, nil
	}

	since := r.now().Add(-r.cfg.Lookback)
	convs, err := r.finder.FindBySubject(ctx, subject, since)
	if err != nil {
		return nil, fmt.Errorf("failed to search conversations by subject: %w", err)
	}

	addrs := make([]string, 0, 1+len(h.To)+len(h.Cc))
	addrs = append(addrs, h.From)
	addrs = append(addrs, h.To...)
	addrs = append(addrs, h.Cc...)

	var counted []string
	for _, a := range models.MergeParticipants(nil, addrs...) {
		if !slices.Contains(r.self, a) {
			counted = append(counted, a)
		}
	}

	var best *models.Conversation
	bestOverlap, tied := 0, 0
	for _, c := range convs {
		overlap := 0
		for _, a := range counted {
			if c.HasParticipant(a) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		switch {
		case best == nil || overlap > bestOverlap:
			best, bestOverlap, tied = c, overlap, 1
		case overlap == bestOverlap:
			tied++
			if c.UpdatedAt.After(best.UpdatedAt) {
				best = c
			}
		}
	}

	if tied > 1 {
		r.logger.Warn("Ambiguous subject match, using most recent conversation",
			"subject", subject, "candidates", tied, "conversation_id", best.ConversationID)
	}
	return best, nil
}
