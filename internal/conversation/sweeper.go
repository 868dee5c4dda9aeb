package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/arkb75/SoloPilot-sub000/internal/database"
)

// SweepResult counts what one sweep removed
type SweepResult struct {
	Conversations int64
	Mappings      int64
}

// Sweeper removes conversations and message id mappings whose ttl has elapsed
type Sweeper struct {
	db       *database.DB
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(db *database.DB, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		db:       db,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}
}

// SweepOnce runs a single pass
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()

	n, err := s.db.DeleteExpiredConversations(ctx, now)
	if err != nil {
		return res, err
	}
	res.Conversations = n

	n, err = s.db.DeleteExpiredMappings(ctx, now)
	if err != nil {
		return res, err
	}
	res.Mappings = n

	if res.Conversations > 0 || res.Mappings > 0 {
		s.logger.Info("Expired records removed", "conversations", res.Conversations, "mappings", res.Mappings)
	}
	return res, nil
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
