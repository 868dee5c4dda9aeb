package database

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func seedConversation(t *testing.T, db *DB, id string, now time.Time) *models.Conversation {
	t.Helper()
	c := &models.Conversation{
		ConversationID:    id,
		Status:            models.StatusActive,
		Phase:             models.PhaseUnderstanding,
		CreatedAt:         now,
		UpdatedAt:         now,
		Participants:      []string{"alice@x.com"},
		TTL:               now.Add(24 * time.Hour),
		OriginalMessageID: "m1@x.com",
		NormalizedSubject: "hello",
	}
	require.NoError(t, db.CreateConversation(context.Background(), c))
	return c
}

func inbound(id string, at time.Time) *models.Email {
	return &models.Email{
		MessageID: "<" + id + ">",
		From:      "alice@x.com",
		To:        []string{"sales@solo.dev"},
		Subject:   "Hello",
		Body:      "body " + id,
		Timestamp: at,
		Direction: models.DirectionInbound,
	}
}

func TestOpenSchemes(t *testing.T) {
	dir := t.TempDir()

	db, err := Open("sqlite://" + filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, db.Dialect())
	_ = db.Close()

	db, err = Open(filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, db.Dialect())
	_ = db.Close()

	_, err = Open("mysql://localhost/db")
	assert.Error(t, err)

	_, err = Open("  ")
	assert.Error(t, err)
}

func TestCreateConversationRejectsDuplicateAndInvalid(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	c := seedConversation(t, db, "conv-1", now)

	err := db.CreateConversation(context.Background(), c)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = db.CreateConversation(context.Background(), &models.Conversation{ConversationID: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidRecord)

	got, err := db.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LastSeq)
	assert.Equal(t, []string{"alice@x.com"}, got.Participants)
	assert.Empty(t, got.EmailHistory)

	_, err = db.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendInboundEmailGuardsSequence(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConversation(t, db, "conv-1", now)

	seq, err := db.AppendInboundEmail(ctx, AppendParams{
		ConversationID:     "conv-1",
		ExpectedSeq:        0,
		Email:              inbound("m1@x.com", now),
		CanonicalMessageID: "m1@x.com",
		Participants:       []string{"alice@x.com"},
		UpdatedAt:          now,
		TTL:                now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	// A second writer that also observed 0 must lose
	_, err = db.AppendInboundEmail(ctx, AppendParams{
		ConversationID: "conv-1",
		ExpectedSeq:    0,
		Email:          inbound("m2@x.com", now),
		UpdatedAt:      now,
		TTL:            now.Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrConflict)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, ConflictSequence, conflict.Kind)
	assert.Equal(t, "1", conflict.Current)

	_, err = db.AppendInboundEmail(ctx, AppendParams{
		ConversationID: "missing",
		Email:          inbound("m3@x.com", now),
		UpdatedAt:      now,
		TTL:            now,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	emails, err := db.ListEmails(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "<m1@x.com>", emails[0].MessageID)

	has, err := db.ConversationHasMessage(ctx, "conv-1", "m1@x.com")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAppendInboundEmailRejectsDuplicateMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConversation(t, db, "conv-1", now)

	params := AppendParams{
		ConversationID:     "conv-1",
		Email:              inbound("m1@x.com", now),
		CanonicalMessageID: "m1@x.com",
		UpdatedAt:          now,
		TTL:                now.Add(time.Hour),
	}
	_, err := db.AppendInboundEmail(ctx, params)
	require.NoError(t, err)

	// Same message observed against the new sequence still may not land twice
	params.ExpectedSeq = 1
	_, err = db.AppendInboundEmail(ctx, params)
	require.ErrorIs(t, err, ErrAlreadyExists)

	state, err := db.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.LastSeq)

	emails, err := db.ListEmails(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, emails, 1)

	// Outbound rows are not covered by the inbound uniqueness rule
	require.NoError(t, db.AppendOutboundEmail(ctx, "conv-1", &models.Email{
		MessageID: "<m1@x.com>", From: "sales@solo.dev", Timestamp: now, Direction: models.DirectionOutbound,
	}, "m1@x.com", now, now.Add(time.Hour)))
}

func TestUpdateRequirementsVersionGuard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConversation(t, db, "conv-1", now)

	zero := int64(0)
	v, err := db.UpdateRequirements(ctx, "conv-1", json.RawMessage(`{"budget":1}`), &zero, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = db.UpdateRequirements(ctx, "conv-1", json.RawMessage(`{"budget":2}`), &zero, now, now.Add(time.Hour))
	require.ErrorIs(t, err, ErrConflict)

	got, err := db.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RequirementsVersion)
	assert.JSONEq(t, `{"budget":1}`, string(got.Requirements))

	v, err = db.UpdateRequirements(ctx, "conv-1", json.RawMessage(`{"budget":3}`), nil, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = db.UpdateRequirements(ctx, "missing", json.RawMessage(`{}`), nil, now, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingReplyTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConversation(t, db, "conv-1", now)

	reply := &models.PendingReply{
		ReplyID:        "r1",
		ConversationID: "conv-1",
		DraftBody:      "draft",
		Phase:          models.PhaseUnderstanding,
		Status:         models.ReplyPending,
		Metadata:       models.ReplyMetadata{Recipient: "alice@x.com", Subject: "Re: Hello"},
		CreatedAt:      now,
	}
	require.NoError(t, db.CreatePendingReply(ctx, reply, now.Add(time.Hour)))

	require.NoError(t, db.AmendReply(ctx, "r1", "amended"))
	require.NoError(t, db.MarkReplyApproved(ctx, "r1", "reviewer", now, now, "t1@solo.dev"))

	err := db.AmendReply(ctx, "r1", "too late")
	require.ErrorIs(t, err, ErrConflict)
	err = db.MarkReplyRejected(ctx, "r1", "reviewer", "no", now)
	require.ErrorIs(t, err, ErrConflict)

	got, err := db.GetPendingReply(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReplyApproved, got.Status)
	assert.Equal(t, "amended", got.AmendedContent)
	assert.Equal(t, "t1@solo.dev", got.SentMessageID)
	require.NotNil(t, got.SentAt)

	_, err = db.GetPendingReply(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.AmendReply(ctx, "missing", "x"), ErrNotFound)

	orphan := *reply
	orphan.ReplyID = "r2"
	orphan.ConversationID = "missing"
	assert.ErrorIs(t, db.CreatePendingReply(ctx, &orphan, now), ErrNotFound)
}

func TestMessageIDMappingUpsertAndSweep(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := &models.MessageIDMapping{MessageID: "m1@x.com", ConversationID: "conv-1", CreatedAt: now, TTL: now.Add(time.Hour)}
	require.NoError(t, db.UpsertMessageIDMapping(ctx, m))
	require.NoError(t, db.UpsertMessageIDMapping(ctx, m))

	got, err := db.GetMessageIDMapping(ctx, "m1@x.com")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)

	deleted, err := db.DeleteExpiredMappings(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = db.GetMessageIDMapping(ctx, "m1@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationWritesExtendMappings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConversation(t, db, "conv-1", now)

	require.NoError(t, db.UpsertMessageIDMapping(ctx, &models.MessageIDMapping{
		MessageID: "m1@x.com", ConversationID: "conv-1", CreatedAt: now, TTL: now.Add(time.Hour),
	}))
	require.NoError(t, db.UpsertMessageIDMapping(ctx, &models.MessageIDMapping{
		MessageID: "other@x.com", ConversationID: "conv-2", CreatedAt: now, TTL: now.Add(time.Hour),
	}))

	require.NoError(t, db.UpdatePhase(ctx, "conv-1", models.PhaseProposalDraft, now, now.Add(48*time.Hour)))

	got, err := db.GetMessageIDMapping(ctx, "m1@x.com")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(48*time.Hour), got.TTL, time.Second)

	deleted, err := db.DeleteExpiredMappings(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = db.GetMessageIDMapping(ctx, "other@x.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// A shorter conversation ttl never shortens a mapping
	_, err = db.UpdateRequirements(ctx, "conv-1", json.RawMessage(`{}`), nil, now, now.Add(time.Hour))
	require.NoError(t, err)
	got, err = db.GetMessageIDMapping(ctx, "m1@x.com")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(48*time.Hour), got.TTL, time.Second)
}

func TestDeleteExpiredConversationsCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConversation(t, db, "old", now)
	require.NoError(t, db.AppendOutboundEmail(ctx, "old", &models.Email{
		MessageID: "<o1@solo.dev>", From: "sales@solo.dev", Timestamp: now, Direction: models.DirectionOutbound,
	}, "o1@solo.dev", now, now.Add(time.Minute)))

	deleted, err := db.DeleteExpiredConversations(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	emails, err := db.ListEmails(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, emails)
}

func TestPostgresIntegrationConditionalWrites(t *testing.T) {
	dsn := os.Getenv("SOLOPILOT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SOLOPILOT_POSTGRES_DSN not set; skipping integration test")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	now := time.Now().UTC()
	id := "it-" + now.Format("20060102150405.000000000")
	seedConversation(t, db, id, now)
	t.Cleanup(func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM conversation_emails WHERE conversation_id = $1`, id)
		_, _ = db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = $1`, id)
	})

	_, err = db.AppendInboundEmail(ctx, AppendParams{ConversationID: id, Email: inbound("pg1@x.com", now), UpdatedAt: now, TTL: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = db.AppendInboundEmail(ctx, AppendParams{ConversationID: id, Email: inbound("pg2@x.com", now), UpdatedAt: now, TTL: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrConflict)

	zero := int64(0)
	_, err = db.UpdateRequirements(ctx, id, json.RawMessage(`{}`), &zero, now, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = db.UpdateRequirements(ctx, id, json.RawMessage(`{}`), &zero, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrConflict)
}
