package telegram

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/arkb75/SoloPilot-sub000/internal/config"
	"github.com/arkb75/SoloPilot-sub000/internal/conversation"
	"github.com/arkb75/SoloPilot-sub000/internal/formatter"
	"github.com/arkb75/SoloPilot-sub000/internal/workflow"
)

// Bot is the reviewer-facing approval UI
type Bot struct {
	bot       *bot.Bot
	store     *conversation.Store
	workflow  *workflow.Workflow
	formatter *formatter.TelegramFormatter
	logger    *slog.Logger
	config    *config.Config
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Config    *config.Config
	Store     *conversation.Store
	Workflow  *workflow.Workflow
	Formatter *formatter.TelegramFormatter
	Logger    *slog.Logger
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		store:     deps.Store,
		workflow:  deps.Workflow,
		formatter: deps.Formatter,
		logger:    deps.Logger.With("component", "telegram_bot"),
		config:    deps.Config,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}

	tgBot, err := bot.New(deps.Config.TelegramToken, opts...)
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	// Covers both /conversation and /conversations
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/conversation", bot.MatchTypePrefix, b.reviewersOnly(b.handleConversationCommands))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/pending", bot.MatchTypePrefix, b.reviewersOnly(b.handlePending))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/approve", bot.MatchTypePrefix, b.reviewersOnly(b.handleApprove))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/reject", bot.MatchTypePrefix, b.reviewersOnly(b.handleReject))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/amend", bot.MatchTypePrefix, b.reviewersOnly(b.handleAmend))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/close", bot.MatchTypePrefix, b.reviewersOnly(b.handleClose))
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleStart)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start runs the update loop until ctx is cancelled
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("Starting telegram bot")
	b.bot.Start(ctx)
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("Unknown command", "text", update.Message.Text)
	}
}

// handleStart handles /start command
func (b *Bot) handleStart(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	b.handleHelp(ctx, tgBot, update)
}

// handleHelp handles /help command
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	text := `<b>SoloPilot review bot</b>

Drafted replies are posted here for review. Nothing is sent until a reviewer approves it.

<b>Commands:</b>
/conversations [phase] - list active conversations
/conversation id - show a conversation
/pending id - show pending replies of a conversation
/approve reply_id - send a pending reply
/reject reply_id [reason] - discard a pending reply
/amend reply_id text - replace the text that will be sent
/close id - mark a conversation completed and closed

<b>Phases:</b> understanding, proposal_draft, proposal_feedback, completed`

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text)
}
