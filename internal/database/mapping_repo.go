package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// UpsertMessageIDMapping points a canonical message id at a conversation.
// Re-registering a key overwrites it; all writers for a key agree on its value.
func (db *DB) UpsertMessageIDMapping(ctx context.Context, m *models.MessageIDMapping) error {
	if m.MessageID == "" || m.ConversationID == "" {
		return fmt.Errorf("%w: mapping needs message id and conversation id", models.ErrInvalidRecord)
	}
	query := db.Rebind(`
		INSERT INTO message_id_mappings (message_id, conversation_id, created_at, ttl)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET conversation_id = excluded.conversation_id, ttl = excluded.ttl
	`)
	_, err := db.ExecContext(ctx, query, m.MessageID, m.ConversationID, m.CreatedAt.UTC(), m.TTL.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert message id mapping: %w", classify(err))
	}
	return nil
}

// GetMessageIDMapping returns the mapping for a canonical message id
func (db *DB) GetMessageIDMapping(ctx context.Context, messageID string) (*models.MessageIDMapping, error) {
	var m models.MessageIDMapping
	query := db.Rebind(`SELECT message_id, conversation_id, created_at, ttl FROM message_id_mappings WHERE message_id = ?`)
	err := db.GetContext(ctx, &m, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message id mapping: %w", classify(err))
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.TTL = m.TTL.UTC()
	return &m, nil
}

// DeleteExpiredMappings removes mappings whose ttl is at or before now
func (db *DB) DeleteExpiredMappings(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM message_id_mappings WHERE ttl <= ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired mappings: %w", classify(err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
