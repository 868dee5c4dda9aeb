package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// MessageHandler processes one raw inbound message
type MessageHandler func(ctx context.Context, raw io.Reader) error

// Mailbox is the part of the IMAP client the poller needs
type Mailbox interface {
	Connect(ctx context.Context) error
	FetchUnseen(ctx context.Context, limit int) ([]*FetchedMessage, error)
	MarkAsRead(ctx context.Context, uid uint32) error
	Disconnect()
}

// PollerConfig configures the poller
type PollerConfig struct {
	Interval     time.Duration
	BatchSize    int
	FetchTimeout time.Duration
}

// Poller feeds unseen mailbox messages to a handler. A message is marked read only
// after the handler succeeds, so transient failures are retried on the next poll.
// Messages that can never be processed are marked read and dropped.
type Poller struct {
	mailbox   Mailbox
	config    PollerConfig
	onMessage MessageHandler
	logger    *slog.Logger
}

// NewPoller creates a new poller
func NewPoller(mailbox Mailbox, cfg PollerConfig, handler MessageHandler, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Poller{
		mailbox:   mailbox,
		config:    cfg,
		onMessage: handler,
		logger:    logger.With("component", "email_poller"),
	}
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting email poller", "interval", p.config.Interval)
	defer p.mailbox.Disconnect()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("email poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches and handles one batch. It returns the number of messages handled.
func (p *Poller) PollOnce(ctx context.Context) int {
	if err := p.mailbox.Connect(ctx); err != nil {
		p.logger.Error("failed to connect to mailbox", "error", err)
		return 0
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	messages, err := p.mailbox.FetchUnseen(fetchCtx, p.config.BatchSize)
	cancel()
	if err != nil {
		p.logger.Error("failed to fetch messages", "error", err)
		p.mailbox.Disconnect()
		if len(messages) == 0 {
			return 0
		}
	}

	handled := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if err := p.onMessage(ctx, bytes.NewReader(msg.Raw)); err != nil {
			if !unprocessable(err) {
				p.logger.Error("failed to process message", "uid", msg.UID, "error", err)
				continue
			}
			p.logger.Warn("dropping unprocessable message", "uid", msg.UID, "error", err)
			if err := p.mailbox.MarkAsRead(ctx, msg.UID); err != nil {
				p.logger.Warn("failed to mark message read", "uid", msg.UID, "error", err)
			}
			continue
		}
		if err := p.mailbox.MarkAsRead(ctx, msg.UID); err != nil {
			// Redelivery is a no-op for the pipeline, so this only costs a reprocess
			p.logger.Warn("failed to mark message read", "uid", msg.UID, "error", err)
		}
		handled++
	}
	return handled
}

// unprocessable reports errors a retry cannot fix
func unprocessable(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, models.ErrInvalidRecord)
}
