package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arkb75/SoloPilot-sub000/internal/conversation"
	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/internal/identity"
	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

var (
	ErrReplyNotFound         = errors.New("reply not found")
	ErrReplyNotPending       = errors.New("reply is no longer pending")
	ErrAttachmentUnavailable = errors.New("attachment could not be generated")
)

// Sender delivers an approved reply
type Sender interface {
	Send(ctx context.Context, msg *models.OutgoingEmail) (*models.SendResult, error)
}

// AttachmentGenerator renders the proposal document for a conversation
type AttachmentGenerator interface {
	Generate(ctx context.Context, conv *models.Conversation) (*models.File, error)
}

// Config for the approval workflow
type Config struct {
	SenderAddress string
}

// Workflow is the approval state machine over pending replies
type Workflow struct {
	store       *conversation.Store
	sender      Sender
	attachments AttachmentGenerator
	canon       *identity.Canonicalizer
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a workflow. attachments may be nil when no generator is configured;
// approving a reply that needs a PDF then fails.
func New(store *conversation.Store, sender Sender, attachments AttachmentGenerator, canon *identity.Canonicalizer, cfg Config, logger *slog.Logger) *Workflow {
	return &Workflow{
		store:       store,
		sender:      sender,
		attachments: attachments,
		canon:       canon,
		cfg:         cfg,
		logger:      logger.With("component", "workflow"),
		now:         time.Now,
	}
}

// ApproveResult describes a completed approval
type ApproveResult struct {
	Reply *models.PendingReply
	Sent  *models.SendResult
	Phase models.Phase
}

// Approve sends a pending reply and records it. If a required attachment cannot be
// generated, or the send fails, nothing is changed.
func (w *Workflow) Approve(ctx context.Context, replyID, reviewer string) (*ApproveResult, error) {
	reply, err := w.pendingReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	conv, err := w.store.Get(ctx, reply.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", reply.ConversationID, err)
	}

	msg := w.compose(conv, reply)
	if reply.Metadata.ShouldSendPDF {
		file, err := w.generate(ctx, conv)
		if err != nil {
			w.logger.Error("Approval aborted, attachment unavailable",
				"conversation_id", conv.ConversationID, "reply_id", replyID, "error", err)
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, *file)
	}

	sent, err := w.sender.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send reply %s: %w", replyID, err)
	}
	sentAt := w.now().UTC()
	log := w.logger.With("conversation_id", conv.ConversationID, "reply_id", replyID)
	log.Info("Reply sent", "transport_message_id", sent.TransportMessageID, "tracking_message_id", sent.TrackingMessageID)

	// The message is out; record it even if the status write loses a race
	markErr := w.store.MarkReplyApproved(ctx, replyID, reviewer, sent.TransportMessageID, sentAt)
	if markErr != nil {
		log.Error("Reply sent but approval could not be recorded", "error", markErr)
	}

	aliasErr := w.registerAliases(ctx, conv.ConversationID, sent)
	if aliasErr != nil {
		log.Error("Failed to register sent message aliases", "error", aliasErr)
	}

	if err := w.store.AddOutboundReply(ctx, conv.ConversationID, w.sentEmail(msg, sent, reply, sentAt)); err != nil {
		log.Error("Failed to append sent reply to history", "error", err)
		return nil, fmt.Errorf("failed to record sent reply: %w", err)
	}

	phase := conversation.NextPhase(conv.Phase, conversation.Event{
		Direction:  models.DirectionOutbound,
		ActionType: reply.Metadata.ActionType,
	})
	if phase != conv.Phase {
		if err := w.store.UpdatePhase(ctx, conv.ConversationID, phase); err != nil {
			log.Warn("Failed to advance phase", "from", conv.Phase, "to", phase, "error", err)
			phase = conv.Phase
		} else {
			log.Info("Phase advanced", "from", conv.Phase, "to", phase)
		}
	}

	switch {
	case errors.Is(markErr, database.ErrConflict):
		return nil, fmt.Errorf("%w: %s was reviewed concurrently", ErrReplyNotPending, replyID)
	case markErr != nil:
		return nil, fmt.Errorf("failed to mark reply approved: %w", markErr)
	case aliasErr != nil:
		return nil, fmt.Errorf("failed to register sent message: %w", aliasErr)
	}

	updated, err := w.store.GetPendingReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	return &ApproveResult{Reply: updated, Sent: sent, Phase: phase}, nil
}

// Reject closes a pending reply without sending it
func (w *Workflow) Reject(ctx context.Context, replyID, reviewer, reason string) error {
	if err := w.store.MarkReplyRejected(ctx, replyID, reviewer, reason); err != nil {
		return replyError(replyID, err)
	}
	w.logger.Info("Reply rejected", "reply_id", replyID, "reviewed_by", reviewer)
	return nil
}

// Amend replaces the content that will be sent for a pending reply
func (w *Workflow) Amend(ctx context.Context, replyID, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: amended content is empty", models.ErrInvalidRecord)
	}
	if err := w.store.AmendReply(ctx, replyID, content); err != nil {
		return replyError(replyID, err)
	}
	w.logger.Info("Reply amended", "reply_id", replyID)
	return nil
}

func (w *Workflow) pendingReply(ctx context.Context, replyID string) (*models.PendingReply, error) {
	reply, err := w.store.GetPendingReply(ctx, replyID)
	if err != nil {
		return nil, replyError(replyID, err)
	}
	if reply.Status != models.ReplyPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrReplyNotPending, replyID, reply.Status)
	}
	return reply, nil
}

func replyError(replyID string, err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrReplyNotFound, replyID)
	case errors.Is(err, database.ErrConflict):
		return fmt.Errorf("%w: %s", ErrReplyNotPending, replyID)
	}
	return err
}

func (w *Workflow) generate(ctx context.Context, conv *models.Conversation) (*models.File, error) {
	if w.attachments == nil {
		return nil, fmt.Errorf("%w: no generator configured", ErrAttachmentUnavailable)
	}
	file, err := w.attachments.Generate(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentUnavailable, err)
	}
	if file == nil || len(file.Data) == 0 {
		return nil, fmt.Errorf("%w: generator returned an empty document", ErrAttachmentUnavailable)
	}
	return file, nil
}

// compose builds the outgoing message, threading it onto the latest inbound email
// when the draft metadata carries no threading headers
func (w *Workflow) compose(conv *models.Conversation, reply *models.PendingReply) *models.OutgoingEmail {
	msg := &models.OutgoingEmail{
		To:         reply.Metadata.Recipient,
		Subject:    reply.Metadata.Subject,
		Body:       reply.OutgoingBody(),
		InReplyTo:  reply.Metadata.InReplyTo,
		References: reply.Metadata.References,
	}

	var last *models.Email
	for i := len(conv.EmailHistory) - 1; i >= 0; i-- {
		if conv.EmailHistory[i].Direction == models.DirectionInbound {
			last = &conv.EmailHistory[i]
			break
		}
	}
	if last == nil {
		return msg
	}

	if msg.InReplyTo == "" {
		msg.InReplyTo = last.MessageID
	}
	if len(msg.References) == 0 {
		msg.References = append(append([]string{}, last.References...), last.MessageID)
	}
	if msg.Subject == "" {
		msg.Subject = replySubject(last.Subject)
	}
	return msg
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func (w *Workflow) registerAliases(ctx context.Context, conversationID string, sent *models.SendResult) error {
	aliases := w.canon.CanonicalizeAll([]string{sent.TrackingMessageID, sent.TransportMessageID})
	if len(aliases) == 0 {
		return conversation.ErrNoIdentity
	}
	_, err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, w.store.Index().RegisterAll(ctx, conversationID, aliases...)
	}, nil)
	return err
}

func (w *Workflow) sentEmail(msg *models.OutgoingEmail, sent *models.SendResult, reply *models.PendingReply, at time.Time) *models.Email {
	messageID := sent.TrackingMessageID
	if messageID == "" {
		messageID = sent.TransportMessageID
	}
	e := &models.Email{
		MessageID:  messageID,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		From:       w.cfg.SenderAddress,
		To:         []string{msg.To},
		Subject:    msg.Subject,
		Body:       msg.Body,
		Timestamp:  at,
		Direction:  models.DirectionOutbound,
		Metadata: map[string]string{
			"reply_id":             reply.ReplyID,
			"transport_message_id": sent.TransportMessageID,
		},
	}
	if reply.Metadata.ActionType != "" {
		e.Metadata["action_type"] = reply.Metadata.ActionType
	}
	for _, f := range msg.Attachments {
		e.Attachments = append(e.Attachments, models.Attachment{Filename: f.Filename, ContentType: f.ContentType, Size: int64(len(f.Data))})
	}
	return e
}
