package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

const conversationColumns = `conversation_id, status, phase, created_at, updated_at, last_seq, requirements_version,
	participants, thread_references, requirements, original_message_id, normalized_subject, ttl`

type conversationRow struct {
	ConversationID      string         `db:"conversation_id"`
	Status              string         `db:"status"`
	Phase               string         `db:"phase"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	LastSeq             int64          `db:"last_seq"`
	RequirementsVersion int64          `db:"requirements_version"`
	Participants        string         `db:"participants"`
	ThreadReferences    string         `db:"thread_references"`
	Requirements        sql.NullString `db:"requirements"`
	OriginalMessageID   string         `db:"original_message_id"`
	NormalizedSubject   string         `db:"normalized_subject"`
	TTL                 time.Time      `db:"ttl"`
}

func (r *conversationRow) toModel() (*models.Conversation, error) {
	c := &models.Conversation{
		ConversationID:      r.ConversationID,
		Status:              models.Status(r.Status),
		Phase:               models.Phase(r.Phase),
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
		LastSeq:             r.LastSeq,
		RequirementsVersion: r.RequirementsVersion,
		OriginalMessageID:   r.OriginalMessageID,
		NormalizedSubject:   r.NormalizedSubject,
		TTL:                 r.TTL.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants of %s: %w", r.ConversationID, err)
	}
	if err := json.Unmarshal([]byte(r.ThreadReferences), &c.ThreadReferences); err != nil {
		return nil, fmt.Errorf("failed to decode thread references of %s: %w", r.ConversationID, err)
	}
	if r.Requirements.Valid && r.Requirements.String != "" {
		c.Requirements = json.RawMessage(r.Requirements.String)
	}
	return c, nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateConversation inserts a new conversation (returns ErrAlreadyExists if the id is taken)
func (db *DB) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	participants, err := encodeStrings(c.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	refs, err := encodeStrings(c.ThreadReferences)
	if err != nil {
		return fmt.Errorf("failed to encode thread references: %w", err)
	}
	var requirements sql.NullString
	if len(c.Requirements) > 0 {
		requirements = sql.NullString{String: string(c.Requirements), Valid: true}
	}

	query := db.Rebind(`
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO NOTHING
	`)
	result, err := db.ExecContext(ctx, query,
		c.ConversationID,
		string(c.Status),
		string(c.Phase),
		c.CreatedAt.UTC(),
		c.UpdatedAt.UTC(),
		c.LastSeq,
		c.RequirementsVersion,
		participants,
		refs,
		requirements,
		c.OriginalMessageID,
		c.NormalizedSubject,
		c.TTL.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", classify(err))
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetConversationState returns a conversation without its history and replies
func (db *DB) GetConversationState(ctx context.Context, id string) (*models.Conversation, error) {
	var row conversationRow
	query := db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE conversation_id = ?`)
	err := db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", classify(err))
	}
	return row.toModel()
}

// GetConversation returns a conversation with its full email history and replies
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := db.GetConversationState(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.EmailHistory, err = db.ListEmails(ctx, id); err != nil {
		return nil, err
	}
	if c.PendingReplies, err = db.ListPendingReplies(ctx, id, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// ListEmails returns a conversation's history in append order
func (db *DB) ListEmails(ctx context.Context, conversationID string) ([]models.Email, error) {
	var payloads []string
	query := db.Rebind(`SELECT payload FROM conversation_emails WHERE conversation_id = ? ORDER BY id`)
	if err := db.SelectContext(ctx, &payloads, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", classify(err))
	}
	emails := make([]models.Email, 0, len(payloads))
	for _, p := range payloads {
		var e models.Email
		if err := json.Unmarshal([]byte(p), &e); err != nil {
			return nil, fmt.Errorf("failed to decode email of %s: %w", conversationID, err)
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// AppendParams describes one sequence-guarded inbound append
type AppendParams struct {
	ConversationID     string
	ExpectedSeq        int64 // last_seq observed by the caller
	Email              *models.Email
	CanonicalMessageID string
	Participants       []string // Full merged set to store
	ThreadReferences   []string // Full merged list to store
	UpdatedAt          time.Time
	TTL                time.Time
}

// AppendInboundEmail commits an email at ExpectedSeq+1 if and only if last_seq
// still equals ExpectedSeq. Returns the new last_seq or a *ConflictError.
func (db *DB) AppendInboundEmail(ctx context.Context, p AppendParams) (int64, error) {
	if err := p.Email.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(p.Email)
	if err != nil {
		return 0, fmt.Errorf("failed to encode email: %w", err)
	}
	participants, err := encodeStrings(p.Participants)
	if err != nil {
		return 0, fmt.Errorf("failed to encode participants: %w", err)
	}
	refs, err := encodeStrings(p.ThreadReferences)
	if err != nil {
		return 0, fmt.Errorf("failed to encode thread references: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	newSeq := p.ExpectedSeq + 1
	result, err := tx.ExecContext(ctx, db.Rebind(`
		UPDATE conversations
		SET last_seq = ?, participants = ?, thread_references = ?, updated_at = ?, ttl = ?
		WHERE conversation_id = ? AND last_seq = ?
	`), newSeq, participants, refs, p.UpdatedAt.UTC(), p.TTL.UTC(), p.ConversationID, p.ExpectedSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", classify(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var current int64
		err := tx.GetContext(ctx, &current, db.Rebind(`SELECT last_seq FROM conversations WHERE conversation_id = ?`), p.ConversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence: %w", classify(err))
		}
		return 0, &ConflictError{
			Kind:           ConflictSequence,
			ConversationID: p.ConversationID,
			Expected:       strconv.FormatInt(p.ExpectedSeq, 10),
			Current:        strconv.FormatInt(current, 10),
		}
	}

	if err := extendMappings(ctx, db, tx, p.ConversationID, p.TTL); err != nil {
		return 0, err
	}
	if err := insertEmail(ctx, db, tx, p.ConversationID, sql.NullInt64{Int64: newSeq, Valid: true}, p.Email, p.CanonicalMessageID, payload, p.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", classify(err))
	}
	return newSeq, nil
}

// AppendOutboundEmail appends a sent email without a sequence guard
func (db *DB) AppendOutboundEmail(ctx context.Context, conversationID string, email *models.Email, canonicalID string, updatedAt, ttl time.Time) error {
	if err := email.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := touchConversation(ctx, db, tx, conversationID, updatedAt, ttl); err != nil {
		return err
	}
	if err := insertEmail(ctx, db, tx, conversationID, sql.NullInt64{}, email, canonicalID, payload, updatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbound email: %w", classify(err))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEmail(ctx context.Context, db *DB, ex execer, conversationID string, seq sql.NullInt64, email *models.Email, canonicalID string, payload []byte, at time.Time) error {
	_, err := ex.ExecContext(ctx, db.Rebind(`
		INSERT INTO conversation_emails (conversation_id, seq, direction, canonical_message_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), conversationID, seq, string(email.Direction), canonicalID, string(payload), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", classify(err))
	}
	return nil
}

// touchConversation extends updated_at and ttl, returning ErrNotFound for unknown ids
func touchConversation(ctx context.Context, db *DB, ex execer, conversationID string, updatedAt, ttl time.Time) error {
	result, err := ex.ExecContext(ctx, db.Rebind(`UPDATE conversations SET updated_at = ?, ttl = ? WHERE conversation_id = ?`),
		updatedAt.UTC(), ttl.UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", classify(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return extendMappings(ctx, db, ex, conversationID, ttl)
}

// extendMappings keeps a conversation's message id mappings alive at least as long as the conversation
func extendMappings(ctx context.Context, db *DB, ex execer, conversationID string, ttl time.Time) error {
	_, err := ex.ExecContext(ctx, db.Rebind(`UPDATE message_id_mappings SET ttl = ? WHERE conversation_id = ? AND ttl < ?`),
		ttl.UTC(), conversationID, ttl.UTC())
	if err != nil {
		return fmt.Errorf("failed to extend message id mappings: %w", classify(err))
	}
	return nil
}

// UpdateRequirements replaces the requirements payload and increments
// requirements_version. When expectedVersion is non-nil the write only happens
// if the stored version matches; otherwise a *ConflictError is returned.
func (db *DB) UpdateRequirements(ctx context.Context, id string, payload json.RawMessage, expectedVersion *int64, updatedAt, ttl time.Time) (int64, error) {
	query := `UPDATE conversations
		SET requirements = ?, requirements_version = requirements_version + 1, updated_at = ?, ttl = ?
		WHERE conversation_id = ?`
	args := []any{string(payload), updatedAt.UTC(), ttl.UTC(), id}
	if expectedVersion != nil {
		query += ` AND requirements_version = ?`
		args = append(args, *expectedVersion)
	}
	query += ` RETURNING requirements_version`

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowxContext(ctx, db.Rebind(query), args...).Scan(&version)
	if err == nil {
		if err := extendMappings(ctx, db, tx, id, ttl); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit requirements: %w", classify(err))
		}
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to update requirements: %w", classify(err))
	}

	var current int64
	err = tx.GetContext(ctx, &current, db.Rebind(`SELECT requirements_version FROM conversations WHERE conversation_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read requirements version: %w", classify(err))
	}
	expected := ""
	if expectedVersion != nil {
		expected = strconv.FormatInt(*expectedVersion, 10)
	}
	return 0, &ConflictError{
		Kind:           ConflictRequirementsVersion,
		ConversationID: id,
		Expected:       expected,
		Current:        strconv.FormatInt(current, 10),
	}
}

// UpdatePhase sets the phase unconditionally
func (db *DB) UpdatePhase(ctx context.Context, id string, phase models.Phase, updatedAt, ttl time.Time) error {
	return db.updateField(ctx, id, "phase", string(phase), updatedAt, ttl)
}

// UpdateStatus sets the status unconditionally
func (db *DB) UpdateStatus(ctx context.Context, id string, status models.Status, updatedAt, ttl time.Time) error {
	return db.updateField(ctx, id, "status", string(status), updatedAt, ttl)
}

func (db *DB) updateField(ctx context.Context, id, column, value string, updatedAt, ttl time.Time) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	query := db.Rebind(`UPDATE conversations SET ` + column + ` = ?, updated_at = ?, ttl = ? WHERE conversation_id = ?`)
	result, err := tx.ExecContext(ctx, query, value, updatedAt.UTC(), ttl.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, classify(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	if err := extendMappings(ctx, db, tx, id, ttl); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", column, classify(err))
	}
	return nil
}

// ConversationFilter narrows ListConversations
type ConversationFilter struct {
	Status models.Status
	Phase  models.Phase
	Limit  int
}

// ListConversations returns conversation states, most recently updated first
func (db *DB) ListConversations(ctx context.Context, f ConversationFilter) ([]*models.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(f.Phase))
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return db.selectConversations(ctx, db.Rebind(query), args...)
}

// FindConversationsBySubject returns conversations with the given normalized
// subject updated at or after since, most recent first
func (db *DB) FindConversationsBySubject(ctx context.Context, subject string, since time.Time, limit int) ([]*models.Conversation, error) {
	query := db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE normalized_subject = ? AND updated_at >= ?
		ORDER BY updated_at DESC LIMIT ?`)
	return db.selectConversations(ctx, query, subject, since.UTC(), limit)
}

func (db *DB) selectConversations(ctx context.Context, query string, args ...any) ([]*models.Conversation, error) {
	var rows []conversationRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", classify(err))
	}
	out := make([]*models.Conversation, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ConversationHasMessage reports whether history already holds an email with the canonical id
func (db *DB) ConversationHasMessage(ctx context.Context, conversationID, canonicalID string) (bool, error) {
	if canonicalID == "" {
		return false, nil
	}
	var count int
	query := db.Rebind(`SELECT COUNT(*) FROM conversation_emails WHERE conversation_id = ? AND canonical_message_id = ?`)
	if err := db.GetContext(ctx, &count, query, conversationID, canonicalID); err != nil {
		return false, fmt.Errorf("failed to check message: %w", classify(err))
	}
	return count > 0, nil
}

// DeleteExpiredConversations removes conversations whose ttl is at or before now,
// together with their history and replies
func (db *DB) DeleteExpiredConversations(ctx context.Context, now time.Time) (int64, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	expired := `SELECT conversation_id FROM conversations WHERE ttl <= ?`
	for _, table := range []string{"conversation_emails", "pending_replies"} {
		query := db.Rebind(`DELETE FROM ` + table + ` WHERE conversation_id IN (` + expired + `)`)
		if _, err := tx.ExecContext(ctx, query, now.UTC()); err != nil {
			return 0, fmt.Errorf("failed to delete expired %s: %w", table, classify(err))
		}
	}
	result, err := tx.ExecContext(ctx, db.Rebind(`DELETE FROM conversations WHERE ttl <= ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired conversations: %w", classify(err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", classify(err))
	}
	return deleted, nil
}
