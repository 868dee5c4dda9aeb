package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arkb75/SoloPilot-sub000/internal/collab"
	"github.com/arkb75/SoloPilot-sub000/internal/config"
	"github.com/arkb75/SoloPilot-sub000/internal/conversation"
	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/internal/email"
	"github.com/arkb75/SoloPilot-sub000/internal/identity"
	"github.com/arkb75/SoloPilot-sub000/internal/intake"
	"github.com/arkb75/SoloPilot-sub000/internal/parser"
	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// app holds the components shared by every command
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
	canon  *identity.Canonicalizer
	store  *conversation.Store
	collab *collab.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Debug("Database ready", "dialect", db.Dialect())

	storeCfg := conversation.Config{
		ConversationTTL:  cfg.ConversationTTL,
		AppendMaxRetries: cfg.AppendMaxRetries,
		Backoff:          retry.DefaultConfig(),
	}
	if cfg.RequirementsSchemaPath != "" {
		schema, err := conversation.LoadRequirementsSchema(cfg.RequirementsSchemaPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		storeCfg.RequirementsSchema = schema
	}

	canon := identity.NewCanonicalizer(cfg.RelayDomains)
	index := conversation.NewIndex(db, cfg.MessageIDTTL, logger)

	a := &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		canon:  canon,
		store:  conversation.NewStore(db, index, canon, storeCfg, logger),
	}
	if cfg.CollabEnabled() {
		a.collab = collab.NewClient(collab.Config{
			BaseURL: cfg.CollabURL,
			APIKey:  cfg.CollabAPIKey,
			Timeout: cfg.CollabTimeout,
		}, logger)
		logger.Info("Collaborator service enabled", "url", cfg.CollabURL)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

// processor builds the intake pipeline; notifier may be nil
func (a *app) processor(notifier intake.Notifier) *intake.Processor {
	resolver := identity.NewResolver(a.canon, a.store.Index(), a.store, identity.ResolverConfig{
		Lookback: a.cfg.SubjectLookback,
		Self:     []string{a.cfg.SenderAddress},
	}, a.logger)
	deps := intake.Deps{
		Parser:   email.NewParser(parser.NewBodyExtractor()),
		Filter:   parser.NewAutomatedFilter(),
		Resolver: resolver,
		Store:    a.store,
		Canon:    a.canon,
		Notifier: notifier,
	}
	// Interfaces stay nil unless the client exists
	if a.collab != nil {
		deps.Extractor = a.collab
		deps.Drafter = a.collab
	}
	return intake.NewProcessor(deps, intake.Config{SenderAddress: a.cfg.SenderAddress}, a.logger)
}

// sender builds the SMTP transport, detecting the server from the sender address when unset
func (a *app) sender(ctx context.Context) (*email.SMTPSender, error) {
	addr := a.cfg.SMTPAddr
	if addr == "" {
		resolved, err := email.NewServerResolver().SMTP(ctx, a.cfg.SenderAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to detect SMTP server: %w", err)
		}
		a.logger.Info("Detected SMTP server", "server", resolved)
		addr = resolved
	}

	username := a.cfg.SMTPUsername
	if username == "" {
		username = a.cfg.SenderAddress
	}

	return email.NewSMTPSender(email.SenderConfig{
		Addr:          addr,
		Username:      username,
		Password:      a.cfg.SMTPPassword,
		From:          a.cfg.SenderAddress,
		FromName:      a.cfg.SenderName,
		RelayDomain:   a.cfg.SMTPRelayDomain,
		RatePerMinute: a.cfg.SMTPRatePerMinute,
		DialTimeout:   a.cfg.IMAPDialTimeout,
	}, a.logger), nil
}

// mailbox builds the IMAP client, detecting the server from the username when unset
func (a *app) mailbox(ctx context.Context) (*email.Client, error) {
	server := a.cfg.IMAPServer
	if server == "" {
		resolved, err := email.NewServerResolver().IMAP(ctx, a.cfg.IMAPUsername)
		if err != nil {
			return nil, fmt.Errorf("failed to detect IMAP server: %w", err)
		}
		a.logger.Info("Detected IMAP server", "server", resolved)
		server = resolved
	}

	return email.NewClient(email.ClientConfig{
		Username:    a.cfg.IMAPUsername,
		Password:    a.cfg.IMAPPassword,
		Server:      server,
		Mailbox:     a.cfg.IMAPMailbox,
		DialTimeout: a.cfg.IMAPDialTimeout,
	}, a.logger), nil
}

var errSendingDisabled = errors.New("outbound sending is not configured")

// noSender rejects every send so approvals fail without touching state
type noSender struct{}

func (noSender) Send(context.Context, *models.OutgoingEmail) (*models.SendResult, error) {
	return nil, errSendingDisabled
}
