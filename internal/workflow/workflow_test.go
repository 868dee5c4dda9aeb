package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkb75/SoloPilot-sub000/internal/conversation"
	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/internal/identity"
	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

const senderAddress = "sales@solo.dev"

type fakeSender struct {
	mu     sync.Mutex
	sent   []*models.OutgoingEmail
	result *models.SendResult
	err    error
}

func (f *fakeSender) Send(_ context.Context, msg *models.OutgoingEmail) (*models.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return f.result, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGenerator struct {
	file *models.File
	err  error
}

func (g *fakeGenerator) Generate(context.Context, *models.Conversation) (*models.File, error) {
	return g.file, g.err
}

type fixture struct {
	store    *conversation.Store
	sender   *fakeSender
	workflow *Workflow
	reply    *models.PendingReply
}

func newFixture(t *testing.T, generator AttachmentGenerator, metadata models.ReplyMetadata) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.New(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	canon := identity.NewCanonicalizer([]string{"amazonses.com"})
	index := conversation.NewIndex(db, 24*time.Hour, logger)
	store := conversation.NewStore(db, index, canon, conversation.Config{
		ConversationTTL:  24 * time.Hour,
		AppendMaxRetries: 3,
		Backoff:          retry.Config{BaseDelay: time.Millisecond},
	}, logger)

	seed := &models.Email{
		MessageID: "<m1@x.com>",
		From:      "alice@x.com",
		To:        []string{senderAddress},
		Subject:   "Hello",
		Body:      "We need a website",
		Timestamp: time.Now(),
		Direction: models.DirectionInbound,
	}
	_, _, err = store.FetchOrCreate(ctx, "conv-1", seed.MessageID, seed)
	require.NoError(t, err)
	_, err = store.AppendWithRetry(ctx, "conv-1", seed, -1)
	require.NoError(t, err)

	if metadata.Recipient == "" {
		metadata.Recipient = "alice@x.com"
	}
	reply, err := store.AddPendingReply(ctx, "conv-1", "prompt", "Draft proposal", models.PhaseUnderstanding, metadata)
	require.NoError(t, err)

	sender := &fakeSender{result: &models.SendResult{
		TrackingMessageID:  "<t1@solo.dev>",
		TransportMessageID: "<0100018c-t2@email.amazonses.com>",
	}}
	wf := New(store, sender, generator, canon, Config{SenderAddress: senderAddress}, logger)
	return &fixture{store: store, sender: sender, workflow: wf, reply: reply}
}

func TestApproveAbortsWhenAttachmentFails(t *testing.T) {
	f := newFixture(t, &fakeGenerator{err: errors.New("renderer crashed")},
		models.ReplyMetadata{ShouldSendPDF: true, ActionType: models.ActionInitialProposal})
	ctx := context.Background()

	before, err := f.store.Get(ctx, "conv-1")
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	require.ErrorIs(t, err, ErrAttachmentUnavailable)
	assert.Zero(t, f.sender.count())

	after, err := f.store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, before.LastSeq, after.LastSeq)
	assert.Len(t, after.EmailHistory, len(before.EmailHistory))
	assert.Equal(t, before.Phase, after.Phase)
	require.Len(t, after.PendingReplies, 1)
	assert.Equal(t, models.ReplyPending, after.PendingReplies[0].Status)
	assert.Nil(t, after.PendingReplies[0].ReviewedAt)
}

func TestApproveWithoutGeneratorAborts(t *testing.T) {
	f := newFixture(t, nil, models.ReplyMetadata{ShouldSendPDF: true})

	_, err := f.workflow.Approve(context.Background(), f.reply.ReplyID, "reviewer")
	require.ErrorIs(t, err, ErrAttachmentUnavailable)
	assert.Zero(t, f.sender.count())
}

func TestApproveSendsAndRecords(t *testing.T) {
	pdf := &models.File{Filename: "proposal.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}
	f := newFixture(t, &fakeGenerator{file: pdf},
		models.ReplyMetadata{ShouldSendPDF: true, ActionType: models.ActionInitialProposal})
	ctx := context.Background()

	res, err := f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseProposalDraft, res.Phase)
	assert.Equal(t, models.ReplyApproved, res.Reply.Status)
	assert.Equal(t, "reviewer", res.Reply.ReviewedBy)
	assert.Equal(t, "<0100018c-t2@email.amazonses.com>", res.Reply.SentMessageID)
	require.NotNil(t, res.Reply.SentAt)

	require.Equal(t, 1, f.sender.count())
	msg := f.sender.sent[0]
	assert.Equal(t, "alice@x.com", msg.To)
	assert.Equal(t, "Re: Hello", msg.Subject)
	assert.Equal(t, "<m1@x.com>", msg.InReplyTo)
	assert.Equal(t, []string{"<m1@x.com>"}, msg.References)
	assert.Equal(t, "Draft proposal", msg.Body)
	require.Len(t, msg.Attachments, 1)

	// A reply to either identity of the sent message finds the conversation
	for _, alias := range []string{"t1@solo.dev", "0100018c-t2"} {
		id, ok, err := f.store.Index().Lookup(ctx, alias)
		require.NoError(t, err)
		assert.True(t, ok, alias)
		assert.Equal(t, "conv-1", id)
	}

	conv, err := f.store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseProposalDraft, conv.Phase)
	assert.Equal(t, int64(1), conv.LastSeq)
	require.Len(t, conv.EmailHistory, 2)
	out := conv.EmailHistory[1]
	assert.Equal(t, models.DirectionOutbound, out.Direction)
	assert.Equal(t, "<t1@solo.dev>", out.MessageID)
	assert.Equal(t, senderAddress, out.From)
	assert.Equal(t, f.reply.ReplyID, out.Metadata["reply_id"])
}

func TestApproveTwiceSendsOnce(t *testing.T) {
	f := newFixture(t, nil, models.ReplyMetadata{})
	ctx := context.Background()

	_, err := f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	require.NoError(t, err)
	_, err = f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	require.ErrorIs(t, err, ErrReplyNotPending)
	assert.Equal(t, 1, f.sender.count())
}

func TestApproveSendFailureChangesNothing(t *testing.T) {
	f := newFixture(t, nil, models.ReplyMetadata{})
	f.sender.err = errors.New("smtp: 451 try later")
	ctx := context.Background()

	_, err := f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	require.Error(t, err)

	reply, err := f.store.GetPendingReply(ctx, f.reply.ReplyID)
	require.NoError(t, err)
	assert.Equal(t, models.ReplyPending, reply.Status)

	conv, err := f.store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, conv.EmailHistory, 1)
}

func TestAmendThenApproveSendsAmendedContent(t *testing.T) {
	f := newFixture(t, nil, models.ReplyMetadata{Subject: "Your proposal", InReplyTo: "<m1@x.com>"})
	ctx := context.Background()

	require.NoError(t, f.workflow.Amend(ctx, f.reply.ReplyID, "Amended text"))
	assert.ErrorIs(t, f.workflow.Amend(ctx, f.reply.ReplyID, "  "), models.ErrInvalidRecord)

	reply, err := f.store.GetPendingReply(ctx, f.reply.ReplyID)
	require.NoError(t, err)
	assert.Equal(t, models.ReplyPending, reply.Status)

	_, err = f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "Amended text", f.sender.sent[0].Body)
	assert.Equal(t, "Your proposal", f.sender.sent[0].Subject)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t, nil, models.ReplyMetadata{})
	ctx := context.Background()

	require.NoError(t, f.workflow.Reject(ctx, f.reply.ReplyID, "reviewer", "too pushy"))

	reply, err := f.store.GetPendingReply(ctx, f.reply.ReplyID)
	require.NoError(t, err)
	assert.Equal(t, models.ReplyRejected, reply.Status)
	assert.Equal(t, "too pushy", reply.RejectionReason)

	assert.ErrorIs(t, f.workflow.Reject(ctx, f.reply.ReplyID, "reviewer", "again"), ErrReplyNotPending)
	assert.ErrorIs(t, f.workflow.Amend(ctx, f.reply.ReplyID, "late edit"), ErrReplyNotPending)
	_, err = f.workflow.Approve(ctx, f.reply.ReplyID, "reviewer")
	assert.ErrorIs(t, err, ErrReplyNotPending)
	assert.Zero(t, f.sender.count())

	assert.ErrorIs(t, f.workflow.Reject(ctx, "missing", "reviewer", "x"), ErrReplyNotFound)
	_, err = f.workflow.Approve(ctx, "missing", "reviewer")
	assert.ErrorIs(t, err, ErrReplyNotFound)
}
