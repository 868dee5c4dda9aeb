package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/internal/identity"
	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

const subjectMatchLimit = 20

// Config configures the conversation store
type Config struct {
	ConversationTTL    time.Duration
	AppendMaxRetries   int          // Retries after the first append attempt
	Backoff            retry.Config // MaxAttempts is derived from AppendMaxRetries
	RequirementsSchema *jsonschema.Schema
}

// Store is the conversation aggregate store. All coordination between concurrent
// writers goes through conditional writes in the database.
type Store struct {
	db     *database.DB
	index  *Index
	canon  *identity.Canonicalizer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewStore creates a conversation store
func NewStore(db *database.DB, index *Index, canon *identity.Canonicalizer, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		index:  index,
		canon:  canon,
		cfg:    cfg,
		logger: logger.With("component", "conversation_store"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Index returns the message index the store registers aliases in
func (s *Store) Index() *Index {
	return s.index
}

func (s *Store) expiry(now time.Time) time.Time {
	return now.Add(s.cfg.ConversationTTL)
}

// FetchOrCreate returns the conversation, creating it from seed if it does not exist.
// The boolean reports whether this call created it.
func (s *Store) FetchOrCreate(ctx context.Context, conversationID, originalMessageID string, seed *models.Email) (*models.Conversation, bool, error) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	now := s.now().UTC()
	conv = &models.Conversation{
		ConversationID:    conversationID,
		Status:            models.StatusActive,
		Phase:             models.PhaseUnderstanding,
		CreatedAt:         now,
		UpdatedAt:         now,
		TTL:               s.expiry(now),
		OriginalMessageID: s.canon.Canonicalize(originalMessageID),
		ThreadReferences:  []string{},
	}
	if seed != nil {
		conv.Participants = models.MergeParticipants(nil, seed.Addresses()...)
		conv.NormalizedSubject = identity.NormalizeSubject(seed.Subject)
	}

	err = s.db.CreateConversation(ctx, conv)
	if errors.Is(err, database.ErrAlreadyExists) {
		// Lost the creation race to another unit processing the same thread
		existing, err := s.db.GetConversation(ctx, conversationID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("Conversation created", "conversation_id", conversationID, "original_message_id", conv.OriginalMessageID)
	created, err := s.db.GetConversation(ctx, conversationID)
	return created, true, err
}

// AppendWithRetry appends an inbound email guarded on last_seq, re-reading and retrying on
// conflicts up to maxRetries times (a negative value uses the configured budget).
// Participants are unioned and newly cited reference ids are appended to thread_references.
func (s *Store) AppendWithRetry(ctx context.Context, conversationID string, email *models.Email, maxRetries int) (*models.Conversation, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}
	if email.Direction != models.DirectionInbound {
		return nil, fmt.Errorf("%w: only inbound emails are sequence-appended", models.ErrInvalidRecord)
	}
	if maxRetries < 0 {
		maxRetries = s.cfg.AppendMaxRetries
	}

	canonicalID := s.canon.Canonicalize(email.MessageID)
	cited := s.canon.CanonicalizeAll(append(identity.SplitIDs(email.InReplyTo), email.References...))

	_, err := retry.Do(ctx, s.cfg.Backoff.Attempts(maxRetries+1), func(ctx context.Context, attempt int) (int64, error) {
		state, err := s.db.GetConversationState(ctx, conversationID)
		if err != nil {
			return 0, err
		}

		now := s.now().UTC()
		seq, err := s.db.AppendInboundEmail(ctx, database.AppendParams{
			ConversationID:     conversationID,
			ExpectedSeq:        state.LastSeq,
			Email:              email,
			CanonicalMessageID: canonicalID,
			Participants:       models.MergeParticipants(state.Participants, email.Addresses()...),
			ThreadReferences:   appendMissing(state.ThreadReferences, cited...),
			UpdatedAt:          now,
			TTL:                s.expiry(now),
		})
		if errors.Is(err, database.ErrAlreadyExists) {
			return 0, fmt.Errorf("%w: %s in conversation %s", ErrDuplicateEmail, canonicalID, conversationID)
		}
		if isConflict(err) {
			s.logger.Debug("Append lost sequence race", "conversation_id", conversationID, "attempt", attempt, "error", err)
		}
		return seq, err
	}, isConflict)
	if isConflict(err) {
		return nil, fmt.Errorf("%w: conversation %s after %d attempts: %w", ErrSequenceConflict, conversationID, maxRetries+1, err)
	}
	if err != nil {
		return nil, err
	}

	return s.db.GetConversation(ctx, conversationID)
}

func appendMissing(existing []string, ids ...string) []string {
	out := slices.Clone(existing)
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// UpdateRequirementsAtomic stores new requirements and bumps requirements_version. When
// expectedVersion is non-nil the write only happens if the stored version still matches;
// otherwise ErrVersionConflict is returned and nothing changes.
func (s *Store) UpdateRequirementsAtomic(ctx context.Context, conversationID string, requirements json.RawMessage, expectedVersion *int64) (*models.Conversation, error) {
	if err := s.validateRequirements(requirements); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	version, err := s.db.UpdateRequirements(ctx, conversationID, requirements, expectedVersion, now, s.expiry(now))
	if isConflict(err) {
		return nil, fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Requirements updated", "conversation_id", conversationID, "version", version)
	return s.db.GetConversation(ctx, conversationID)
}

func (s *Store) validateRequirements(requirements json.RawMessage) error {
	if !json.Valid(requirements) {
		return fmt.Errorf("%w: requirements are not valid JSON", models.ErrInvalidRecord)
	}
	if s.cfg.RequirementsSchema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(requirements))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidRecord, err)
	}
	if err := s.cfg.RequirementsSchema.Validate(inst); err != nil {
		return fmt.Errorf("%w: requirements do not match schema: %w", models.ErrInvalidRecord, err)
	}
	return nil
}

// UpdatePhase writes the phase unconditionally
func (s *Store) UpdatePhase(ctx context.Context, conversationID string, phase models.Phase) error {
	if phase == "" {
		return fmt.Errorf("%w: empty phase", models.ErrInvalidRecord)
	}
	now := s.now().UTC()
	return s.db.UpdatePhase(ctx, conversationID, phase, now, s.expiry(now))
}

// UpdateStatus writes the status unconditionally
func (s *Store) UpdateStatus(ctx context.Context, conversationID string, status models.Status) error {
	switch status {
	case models.StatusActive, models.StatusClosed:
	default:
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidRecord, status)
	}
	now := s.now().UTC()
	return s.db.UpdateStatus(ctx, conversationID, status, now, s.expiry(now))
}

// AddPendingReply queues a drafted reply for review
func (s *Store) AddPendingReply(ctx context.Context, conversationID, prompt, draftBody string, phase models.Phase, metadata models.ReplyMetadata) (*models.PendingReply, error) {
	now := s.now().UTC()
	reply := &models.PendingReply{
		ReplyID:        s.newID(),
		ConversationID: conversationID,
		Prompt:         prompt,
		DraftBody:      draftBody,
		Phase:          phase,
		Status:         models.ReplyPending,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	if err := s.db.CreatePendingReply(ctx, reply, s.expiry(now)); err != nil {
		return nil, err
	}

	s.logger.Info("Reply queued for review", "conversation_id", conversationID, "reply_id", reply.ReplyID)
	return reply, nil
}

// AddOutboundReply appends a sent email to history. Sends are serialized by the
// approval workflow, so no sequence guard is taken.
func (s *Store) AddOutboundReply(ctx context.Context, conversationID string, email *models.Email) error {
	if email == nil || email.Direction != models.DirectionOutbound {
		return fmt.Errorf("%w: outbound reply must have outbound direction", models.ErrInvalidRecord)
	}
	now := s.now().UTC()
	return s.db.AppendOutboundEmail(ctx, conversationID, email, s.canon.Canonicalize(email.MessageID), now, s.expiry(now))
}

// StoreMessageIDMapping registers a canonical id in the message index
func (s *Store) StoreMessageIDMapping(ctx context.Context, canonicalID, conversationID string) error {
	return s.index.Register(ctx, canonicalID, conversationID)
}

// Get returns the full conversation including history and replies
func (s *Store) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.db.GetConversation(ctx, conversationID)
}

// List returns conversation summaries without history
func (s *Store) List(ctx context.Context, filter database.ConversationFilter) ([]*models.Conversation, error) {
	return s.db.ListConversations(ctx, filter)
}

// FindBySubject returns recent conversations with the normalized subject
func (s *Store) FindBySubject(ctx context.Context, normalizedSubject string, since time.Time) ([]*models.Conversation, error) {
	return s.db.FindConversationsBySubject(ctx, normalizedSubject, since, subjectMatchLimit)
}

// HasMessage reports whether history already contains the canonical message id
func (s *Store) HasMessage(ctx context.Context, conversationID, canonicalID string) (bool, error) {
	return s.db.ConversationHasMessage(ctx, conversationID, canonicalID)
}

// ListPendingReplies returns the conversation's replies still awaiting review
func (s *Store) ListPendingReplies(ctx context.Context, conversationID string) ([]models.PendingReply, error) {
	return s.db.ListPendingReplies(ctx, conversationID, models.ReplyPending)
}

// GetPendingReply returns a reply in any status
func (s *Store) GetPendingReply(ctx context.Context, replyID string) (*models.PendingReply, error) {
	return s.db.GetPendingReply(ctx, replyID)
}

// MarkReplyApproved records a sent reply; fails with a conflict if it is no longer pending
func (s *Store) MarkReplyApproved(ctx context.Context, replyID, reviewedBy, sentMessageID string, sentAt time.Time) error {
	return s.db.MarkReplyApproved(ctx, replyID, reviewedBy, s.now().UTC(), sentAt.UTC(), sentMessageID)
}

// MarkReplyRejected records a rejection; fails with a conflict if it is no longer pending
func (s *Store) MarkReplyRejected(ctx context.Context, replyID, reviewedBy, reason string) error {
	return s.db.MarkReplyRejected(ctx, replyID, reviewedBy, reason, s.now().UTC())
}

// AmendReply replaces the content of a pending reply
func (s *Store) AmendReply(ctx context.Context, replyID, content string) error {
	return s.db.AmendReply(ctx, replyID, content)
}
