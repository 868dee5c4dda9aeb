package models

import "time"

// MessageIDMapping points a canonical message id at its conversation
type MessageIDMapping struct {
	MessageID      string    `db:"message_id" json:"message_id"` // Canonical form
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	TTL            time.Time `db:"ttl" json:"ttl"`
}
