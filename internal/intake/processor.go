package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/arkb75/SoloPilot-sub000/internal/conversation"
	"github.com/arkb75/SoloPilot-sub000/internal/email"
	"github.com/arkb75/SoloPilot-sub000/internal/identity"
	"github.com/arkb75/SoloPilot-sub000/internal/parser"
	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// Extractor derives structured requirements from a conversation
type Extractor interface {
	Extract(ctx context.Context, conv *models.Conversation) (json.RawMessage, error)
}

// Drafter proposes the next reply; a nil draft means no reply is needed
type Drafter interface {
	Draft(ctx context.Context, conv *models.Conversation) (*models.Draft, error)
}

// Notifier announces replies queued for review
type Notifier interface {
	NotifyPendingReply(ctx context.Context, conv *models.Conversation, reply *models.PendingReply) error
}

// SkipReason explains why a message caused no mutation
type SkipReason string

const (
	SkipAutomated  SkipReason = "automated"
	SkipDuplicate  SkipReason = "duplicate"
	SkipOwnMessage SkipReason = "own_message"
)

// Result of processing one inbound message
type Result struct {
	ConversationID string
	Skipped        SkipReason
	Created        bool
	Method         identity.Method
	Seq            int64
	ReplyID        string
}

// Config for the processor
type Config struct {
	SenderAddress string
}

// Processor runs the inbound pipeline for one message at a time. It keeps no state
// between calls, so any number of processors may run concurrently.
type Processor struct {
	parser    *email.Parser
	filter    *parser.AutomatedFilter
	resolver  *identity.Resolver
	store     *conversation.Store
	canon     *identity.Canonicalizer
	extractor Extractor
	drafter   Drafter
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// Deps are the processor's collaborators; Extractor, Drafter and Notifier are optional
type Deps struct {
	Parser    *email.Parser
	Filter    *parser.AutomatedFilter
	Resolver  *identity.Resolver
	Store     *conversation.Store
	Canon     *identity.Canonicalizer
	Extractor Extractor
	Drafter   Drafter
	Notifier  Notifier
}

// NewProcessor creates a processor
func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		parser:    deps.Parser,
		filter:    deps.Filter,
		resolver:  deps.Resolver,
		store:     deps.Store,
		canon:     deps.Canon,
		extractor: deps.Extractor,
		drafter:   deps.Drafter,
		notifier:  deps.Notifier,
		cfg:       cfg,
		logger:    logger.With("component", "intake"),
	}
}

// Handle adapts Process to the mailbox poller
func (p *Processor) Handle(ctx context.Context, raw io.Reader) error {
	_, err := p.Process(ctx, raw)
	return err
}

// Process parses and ingests one raw RFC 5322 message
func (p *Processor) Process(ctx context.Context, raw io.Reader) (*Result, error) {
	e, err := p.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	return p.ProcessEmail(ctx, e)
}

// ProcessEmail ingests one parsed inbound email
func (p *Processor) ProcessEmail(ctx context.Context, e *models.Email) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	log := p.logger.With("message_id", e.MessageID)

	if reason := p.automated(e); reason != "" {
		log.Info("Skipping automated message", "kind", reason, "from", e.From)
		return &Result{Skipped: SkipAutomated}, nil
	}
	if models.NormalizeAddress(e.From) == models.NormalizeAddress(p.cfg.SenderAddress) {
		log.Info("Skipping message from own address")
		return &Result{Skipped: SkipOwnMessage}, nil
	}

	canonicalID := p.canon.Canonicalize(e.MessageID)

	res, err := p.resolve(ctx, e, canonicalID)
	if err != nil {
		return nil, err
	}
	log = log.With("conversation_id", res.ConversationID)

	conv, created, err := p.store.FetchOrCreate(ctx, res.ConversationID, res.OriginalMessageID, e)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}

	// At-least-once delivery: the same message must not be appended twice. The check
	// skips the common case; concurrent deliveries are caught by the append itself.
	if !created && canonicalID != "" {
		dup, err := p.store.HasMessage(ctx, res.ConversationID, canonicalID)
		if err != nil {
			return nil, err
		}
		if dup {
			return p.duplicate(ctx, log, res, canonicalID, conv.LastSeq), nil
		}
	}

	appended, err := p.store.AppendWithRetry(ctx, res.ConversationID, e, -1)
	if errors.Is(err, conversation.ErrDuplicateEmail) {
		return p.duplicate(ctx, log, res, canonicalID, conv.LastSeq), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append email: %w", err)
	}
	conv = appended
	log.Info("Email appended", "seq", conv.LastSeq, "method", res.Method, "created", created)

	aliases := []string{canonicalID}
	if res.Method == identity.MethodSubject {
		// Later replies citing these ids should resolve without the heuristic
		aliases = append(aliases, p.canon.CanonicalizeAll(identity.SplitIDs(e.InReplyTo))...)
		aliases = append(aliases, res.References...)
	}
	p.registerAliases(ctx, log, res.ConversationID, aliases...)

	result := &Result{ConversationID: res.ConversationID, Created: created, Method: res.Method, Seq: conv.LastSeq}

	if next := conversation.NextPhase(conv.Phase, conversation.Event{Direction: models.DirectionInbound}); next != conv.Phase {
		if err := p.store.UpdatePhase(ctx, conv.ConversationID, next); err != nil {
			log.Warn("Failed to advance phase", "from", conv.Phase, "to", next, "error", err)
		} else {
			log.Info("Phase advanced", "from", conv.Phase, "to", next)
			conv.Phase = next
		}
	}

	// The email is stored; collaborator failures from here on are logged, not returned,
	// because a redelivery would be dropped as a duplicate anyway
	if p.extractor != nil {
		if updated, err := p.updateRequirements(ctx, conv); err != nil {
			log.Error("Failed to update requirements", "error", err)
		} else {
			conv = updated
		}
	}
	if p.drafter != nil {
		replyID, err := p.draftReply(ctx, conv, e)
		if err != nil {
			log.Error("Failed to draft reply", "error", err)
		}
		result.ReplyID = replyID
	}

	return result, nil
}

func (p *Processor) duplicate(ctx context.Context, log *slog.Logger, res *identity.Resolution, canonicalID string, seq int64) *Result {
	p.registerAliases(ctx, log, res.ConversationID, canonicalID)
	log.Info("Skipping duplicate delivery")
	return &Result{ConversationID: res.ConversationID, Skipped: SkipDuplicate, Method: res.Method, Seq: seq}
}

func (p *Processor) automated(e *models.Email) string {
	if v := e.Metadata[email.MetaAutoSubmitted]; v != "" && v != "no" {
		return "auto_submitted"
	}
	switch e.Metadata[email.MetaPrecedence] {
	case "bulk", "junk", "auto_reply":
		return "precedence"
	}
	return p.filter.Classify(e.Body, e.Subject)
}

// resolve finds the owning conversation. A message whose own id is already indexed
// belongs where the index says, whatever its headers claim.
func (p *Processor) resolve(ctx context.Context, e *models.Email, canonicalID string) (*identity.Resolution, error) {
	if canonicalID != "" {
		convID, ok, err := p.store.Index().Lookup(ctx, canonicalID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up message: %w", err)
		}
		if ok {
			return &identity.Resolution{
				ConversationID: convID,
				MessageID:      canonicalID,
				Method:         identity.MethodReference,
			}, nil
		}
	}

	res, err := p.resolver.Resolve(ctx, identity.Headers{
		MessageID:  e.MessageID,
		InReplyTo:  e.InReplyTo,
		References: e.References,
		Subject:    e.Subject,
		From:       e.From,
		To:         e.To,
		Cc:         e.Cc,
		Date:       e.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	return res, nil
}

// registerAliases is best effort: a failed write leaves a dangling alias that only
// costs a subject-fallback lookup later
func (p *Processor) registerAliases(ctx context.Context, log *slog.Logger, conversationID string, ids ...string) {
	if err := p.store.Index().RegisterAll(ctx, conversationID, ids...); err != nil {
		log.Warn("Failed to register message aliases", "error", err)
	}
}

// updateRequirements extracts and stores requirements. On a version conflict the
// conversation is refetched and the update retried exactly once.
func (p *Processor) updateRequirements(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	return retry.Do(ctx, retry.Config{MaxAttempts: 2}, func(ctx context.Context, attempt int) (*models.Conversation, error) {
		current := conv
		if attempt > 1 {
			fresh, err := p.store.Get(ctx, conv.ConversationID)
			if err != nil {
				return nil, err
			}
			current = fresh
		}

		requirements, err := p.extractor.Extract(ctx, current)
		if err != nil {
			return nil, err
		}
		expected := current.RequirementsVersion
		return p.store.UpdateRequirementsAtomic(ctx, current.ConversationID, requirements, &expected)
	}, func(err error) bool {
		return errors.Is(err, conversation.ErrVersionConflict)
	})
}

func (p *Processor) draftReply(ctx context.Context, conv *models.Conversation, e *models.Email) (string, error) {
	draft, err := p.drafter.Draft(ctx, conv)
	if err != nil || draft == nil {
		return "", err
	}

	meta := draft.Metadata
	if meta.Recipient == "" {
		meta.Recipient = e.From
	}
	if meta.Subject == "" {
		meta.Subject = e.Subject
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(e.Subject)), "re:") {
			meta.Subject = "Re: " + strings.TrimSpace(e.Subject)
		}
	}
	if meta.InReplyTo == "" {
		meta.InReplyTo = e.MessageID
	}
	if len(meta.References) == 0 && e.MessageID != "" {
		meta.References = append(append([]string{}, e.References...), e.MessageID)
	}
	if meta.EmailBody == "" {
		meta.EmailBody = draft.Body
	}

	phase := conv.Phase
	if draft.SuggestedPhase != "" {
		phase = conversation.NextPhase(conv.Phase, conversation.Event{Suggested: draft.SuggestedPhase})
		if phase != conv.Phase {
			if err := p.store.UpdatePhase(ctx, conv.ConversationID, phase); err != nil {
				return "", fmt.Errorf("failed to apply suggested phase: %w", err)
			}
		}
	}

	reply, err := p.store.AddPendingReply(ctx, conv.ConversationID, draft.Prompt, draft.Body, phase, meta)
	if err != nil {
		return "", err
	}
	if p.notifier != nil {
		if err := p.notifier.NotifyPendingReply(ctx, conv, reply); err != nil {
			p.logger.Warn("Failed to announce pending reply", "reply_id", reply.ReplyID, "error", err)
		}
	}
	return reply.ReplyID, nil
}

// StartConversation creates a conversation that did not originate from an inbound email
func (p *Processor) StartConversation(ctx context.Context, participants []string, subject string) (*models.Conversation, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: a conversation needs at least one participant", models.ErrInvalidRecord)
	}
	seed := &models.Email{
		From:    p.cfg.SenderAddress,
		To:      participants,
		Subject: subject,
	}
	conv, _, err := p.store.FetchOrCreate(ctx, uuid.NewString(), "", seed)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Conversation started", "conversation_id", conv.ConversationID, "participants", len(conv.Participants))
	return conv, nil
}
