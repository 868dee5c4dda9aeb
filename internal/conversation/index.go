package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// Index is the global canonical message id -> conversation id projection
type Index struct {
	db     *database.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewIndex creates a message index whose entries expire after ttl
func NewIndex(db *database.DB, ttl time.Duration, logger *slog.Logger) *Index {
	return &Index{
		db:     db,
		ttl:    ttl,
		logger: logger.With("component", "message_index"),
		now:    time.Now,
	}
}

// Register points canonicalID at conversationID. Writers for a key always agree, so last write wins.
func (i *Index) Register(ctx context.Context, canonicalID, conversationID string) error {
	if canonicalID == "" {
		return ErrNoIdentity
	}
	if conversationID == "" {
		return fmt.Errorf("%w: mapping for %s has no conversation", models.ErrInvalidRecord, canonicalID)
	}

	now := i.now().UTC()
	err := i.db.UpsertMessageIDMapping(ctx, &models.MessageIDMapping{
		MessageID:      canonicalID,
		ConversationID: conversationID,
		CreatedAt:      now,
		TTL:            now.Add(i.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", canonicalID, err)
	}
	return nil
}

// RegisterAll registers every non-empty alias and joins the failures
func (i *Index) RegisterAll(ctx context.Context, conversationID string, canonicalIDs ...string) error {
	var errs []error
	for _, id := range canonicalIDs {
		if id == "" {
			continue
		}
		if err := i.Register(ctx, id, conversationID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the conversation a canonical id belongs to. Expired entries are misses.
func (i *Index) Lookup(ctx context.Context, canonicalID string) (string, bool, error) {
	if canonicalID == "" {
		return "", false, nil
	}

	m, err := i.db.GetMessageIDMapping(ctx, canonicalID)
	if errors.Is(err, database.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if m.TTL.Before(i.now()) {
		i.logger.Debug("Ignoring expired mapping", "message_id", canonicalID, "conversation_id", m.ConversationID)
		return "", false, nil
	}
	return m.ConversationID, true, nil
}
