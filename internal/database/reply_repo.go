package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

const replyColumns = `reply_id, conversation_id, prompt, draft_body, phase, status, metadata, created_at,
	reviewed_at, reviewed_by, rejection_reason, sent_at, sent_message_id, amended_content`

type replyRow struct {
	ReplyID         string       `db:"reply_id"`
	ConversationID  string       `db:"conversation_id"`
	Prompt          string       `db:"prompt"`
	DraftBody       string       `db:"draft_body"`
	Phase           string       `db:"phase"`
	Status          string       `db:"status"`
	Metadata        string       `db:"metadata"`
	CreatedAt       time.Time    `db:"created_at"`
	ReviewedAt      sql.NullTime `db:"reviewed_at"`
	ReviewedBy      string       `db:"reviewed_by"`
	RejectionReason string       `db:"rejection_reason"`
	SentAt          sql.NullTime `db:"sent_at"`
	SentMessageID   string       `db:"sent_message_id"`
	AmendedContent  string       `db:"amended_content"`
}

func (r *replyRow) toModel() (models.PendingReply, error) {
	reply := models.PendingReply{
		ReplyID:         r.ReplyID,
		ConversationID:  r.ConversationID,
		Prompt:          r.Prompt,
		DraftBody:       r.DraftBody,
		Phase:           models.Phase(r.Phase),
		Status:          models.ReplyStatus(r.Status),
		CreatedAt:       r.CreatedAt.UTC(),
		ReviewedBy:      r.ReviewedBy,
		RejectionReason: r.RejectionReason,
		SentMessageID:   r.SentMessageID,
		AmendedContent:  r.AmendedContent,
	}
	if r.ReviewedAt.Valid {
		t := r.ReviewedAt.Time.UTC()
		reply.ReviewedAt = &t
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time.UTC()
		reply.SentAt = &t
	}
	if err := json.Unmarshal([]byte(r.Metadata), &reply.Metadata); err != nil {
		return models.PendingReply{}, fmt.Errorf("failed to decode metadata of reply %s: %w", r.ReplyID, err)
	}
	return reply, nil
}

// CreatePendingReply inserts a reply and extends the owning conversation's ttl
func (db *DB) CreatePendingReply(ctx context.Context, reply *models.PendingReply, ttl time.Time) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	metadata, err := json.Marshal(reply.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode reply metadata: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := touchConversation(ctx, db, tx, reply.ConversationID, reply.CreatedAt, ttl); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO pending_replies (reply_id, conversation_id, prompt, draft_body, phase, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		reply.ReplyID,
		reply.ConversationID,
		reply.Prompt,
		reply.DraftBody,
		string(reply.Phase),
		string(reply.Status),
		string(metadata),
		reply.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create reply: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reply: %w", classify(err))
	}
	return nil
}

// GetPendingReply returns a reply by id
func (db *DB) GetPendingReply(ctx context.Context, replyID string) (*models.PendingReply, error) {
	var row replyRow
	query := db.Rebind(`SELECT ` + replyColumns + ` FROM pending_replies WHERE reply_id = ?`)
	err := db.GetContext(ctx, &row, query, replyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reply: %w", classify(err))
	}
	reply, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// ListPendingReplies returns a conversation's replies oldest first, optionally filtered by status
func (db *DB) ListPendingReplies(ctx context.Context, conversationID string, status models.ReplyStatus) ([]models.PendingReply, error) {
	query := `SELECT ` + replyColumns + ` FROM pending_replies WHERE conversation_id = ?`
	args := []any{conversationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, reply_id`

	var rows []replyRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list replies: %w", classify(err))
	}
	replies := make([]models.PendingReply, 0, len(rows))
	for i := range rows {
		reply, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

// MarkReplyApproved records a successful send; only a pending reply can be approved
func (db *DB) MarkReplyApproved(ctx context.Context, replyID, reviewedBy string, reviewedAt, sentAt time.Time, sentMessageID string) error {
	return db.transitionReply(ctx, replyID, `
		UPDATE pending_replies
		SET status = ?, reviewed_at = ?, reviewed_by = ?, sent_at = ?, sent_message_id = ?
		WHERE reply_id = ? AND status = ?
	`, string(models.ReplyApproved), reviewedAt.UTC(), reviewedBy, sentAt.UTC(), sentMessageID, replyID, string(models.ReplyPending))
}

// MarkReplyRejected records a rejection; only a pending reply can be rejected
func (db *DB) MarkReplyRejected(ctx context.Context, replyID, reviewedBy, reason string, reviewedAt time.Time) error {
	return db.transitionReply(ctx, replyID, `
		UPDATE pending_replies
		SET status = ?, reviewed_at = ?, reviewed_by = ?, rejection_reason = ?
		WHERE reply_id = ? AND status = ?
	`, string(models.ReplyRejected), reviewedAt.UTC(), reviewedBy, reason, replyID, string(models.ReplyPending))
}

// AmendReply replaces the amended content of a pending reply
func (db *DB) AmendReply(ctx context.Context, replyID, content string) error {
	return db.transitionReply(ctx, replyID, `
		UPDATE pending_replies SET amended_content = ? WHERE reply_id = ? AND status = ?
	`, content, replyID, string(models.ReplyPending))
}

func (db *DB) transitionReply(ctx context.Context, replyID, query string, args ...any) error {
	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update reply: %w", classify(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	err = db.GetContext(ctx, &status, db.Rebind(`SELECT status FROM pending_replies WHERE reply_id = ?`), replyID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reply status: %w", classify(err))
	}
	return &ConflictError{
		Kind:     ConflictReplyStatus,
		ReplyID:  replyID,
		Expected: string(models.ReplyPending),
		Current:  status,
	}
}
