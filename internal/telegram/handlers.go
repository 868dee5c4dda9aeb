package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/arkb75/SoloPilot-sub000/internal/database"
	"github.com/arkb75/SoloPilot-sub000/internal/formatter"
	"github.com/arkb75/SoloPilot-sub000/internal/workflow"
	appmodels "github.com/arkb75/SoloPilot-sub000/pkg/models"
)

const listLimit = 20

// handleConversationCommands dispatches /conversations and /conversation
func (b *Bot) handleConversationCommands(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	switch commandName(update.Message.Text) {
	case "/conversations":
		b.handleConversations(ctx, update)
	case "/conversation":
		b.handleConversation(ctx, update)
	}
}

// handleConversations handles /conversations [phase]
func (b *Bot) handleConversations(ctx context.Context, update *models.Update) {
	msg := update.Message

	filter := database.ConversationFilter{Status: appmodels.StatusActive, Limit: listLimit}
	if args := commandArgs(msg.Text, 1); len(args) == 1 {
		filter.Phase = appmodels.Phase(args[0])
	}

	convs, err := b.store.List(ctx, filter)
	if err != nil {
		b.logger.Error("Failed to list conversations", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Failed to list conversations")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, b.formatter.FormatConversationList(convs))
}

// handleConversation handles /conversation id
func (b *Bot) handleConversation(ctx context.Context, update *models.Update) {
	msg := update.Message

	args := commandArgs(msg.Text, 1)
	if len(args) != 1 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Usage: <code>/conversation id</code>")
		return
	}

	conv, err := b.store.Get(ctx, args[0])
	if errors.Is(err, database.ErrNotFound) {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Conversation not found")
		return
	}
	if err != nil {
		b.logger.Error("Failed to get conversation", "conversation_id", args[0], "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Failed to load conversation")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, b.formatter.FormatConversation(conv))
}

// handlePending handles /pending id, posting each pending reply with its review keyboard
func (b *Bot) handlePending(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	args := commandArgs(msg.Text, 1)
	if len(args) != 1 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Usage: <code>/pending conversation_id</code>")
		return
	}

	conv, err := b.store.Get(ctx, args[0])
	if errors.Is(err, database.ErrNotFound) {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Conversation not found")
		return
	}
	if err != nil {
		b.logger.Error("Failed to get conversation", "conversation_id", args[0], "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Failed to load conversation")
		return
	}

	posted := 0
	for i := range conv.PendingReplies {
		reply := &conv.PendingReplies[i]
		if reply.Status != appmodels.ReplyPending {
			continue
		}
		text := b.formatter.FormatPendingReply(conv, reply)
		if _, err := b.sendMessageWithKeyboard(ctx, msg.Chat.ID, msg.MessageThreadID, text, formatter.BuildReplyKeyboard(reply.ReplyID)); err != nil {
			b.logger.Error("Failed to post pending reply", "reply_id", reply.ReplyID, "error", err)
			continue
		}
		posted++
	}

	if posted == 0 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "No pending replies")
	}
}

// handleApprove handles /approve reply_id
func (b *Bot) handleApprove(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	args := commandArgs(msg.Text, 1)
	if len(args) != 1 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Usage: <code>/approve reply_id</code>")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, b.approve(ctx, args[0], reviewerName(msg.From)))
}

// handleReject handles /reject reply_id [reason]
func (b *Bot) handleReject(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	args := commandArgs(msg.Text, 2)
	if len(args) == 0 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Usage: <code>/reject reply_id [reason]</code>")
		return
	}
	reason := ""
	if len(args) == 2 {
		reason = args[1]
	}

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, b.reject(ctx, args[0], reviewerName(msg.From), reason))
}

// handleAmend handles /amend reply_id text. Line breaks in text are kept.
func (b *Bot) handleAmend(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	args := commandArgs(msg.Text, 2)
	if len(args) != 2 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Usage: <code>/amend reply_id new text</code>")
		return
	}

	if err := b.workflow.Amend(ctx, args[0], args[1]); err != nil {
		b.logger.Warn("Amend failed", "reply_id", args[0], "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, reviewErrorText(err))
		return
	}

	reply, err := b.store.GetPendingReply(ctx, args[0])
	if err != nil {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Draft amended")
		return
	}
	b.sendMessageWithKeyboard(ctx, msg.Chat.ID, msg.MessageThreadID, b.formatter.FormatDraft(reply), formatter.BuildReplyKeyboard(reply.ReplyID))
}

// handleClose handles /close id
func (b *Bot) handleClose(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	args := commandArgs(msg.Text, 1)
	if len(args) != 1 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Usage: <code>/close conversation_id</code>")
		return
	}

	err := b.store.UpdatePhase(ctx, args[0], appmodels.PhaseCompleted)
	if err == nil {
		err = b.store.UpdateStatus(ctx, args[0], appmodels.StatusClosed)
	}
	if errors.Is(err, database.ErrNotFound) {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Conversation not found")
		return
	}
	if err != nil {
		b.logger.Error("Failed to close conversation", "conversation_id", args[0], "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Failed to close conversation")
		return
	}

	b.logger.Info("Conversation closed", "conversation_id", args[0], "reviewer", reviewerName(msg.From))
	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, fmt.Sprintf("Conversation <code>%s</code> closed", args[0]))
}

// handleCallback handles inline button callbacks
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	callback := update.CallbackQuery
	if callback == nil {
		return
	}

	if ok, err := b.isReviewer(ctx, callback.From.ID); err != nil || !ok {
		b.answerCallback(ctx, callback.ID, "Only reviewers can do this", true)
		return
	}

	data, err := formatter.DecodeCallback(callback.Data)
	if err != nil {
		b.logger.Error("Failed to decode callback", "error", err, "data", callback.Data)
		b.answerCallback(ctx, callback.ID, "Error", false)
		return
	}

	reviewer := reviewerName(&callback.From)

	switch data.Action {
	case appmodels.CallbackApprove:
		b.answerCallback(ctx, callback.ID, "Sending…", false)
		b.finishReview(ctx, callback, b.approve(ctx, data.ReplyID, reviewer))
	case appmodels.CallbackReject:
		b.answerCallback(ctx, callback.ID, "Rejected", false)
		b.finishReview(ctx, callback, b.reject(ctx, data.ReplyID, reviewer, ""))
	case appmodels.CallbackShow:
		b.handleShow(ctx, callback, data)
	default:
		b.answerCallback(ctx, callback.ID, "Unknown action", false)
	}
}

// handleShow posts the complete outgoing text of a reply
func (b *Bot) handleShow(ctx context.Context, callback *models.CallbackQuery, data appmodels.CallbackData) {
	reply, err := b.store.GetPendingReply(ctx, data.ReplyID)
	if err != nil {
		b.logger.Error("Failed to get reply", "reply_id", data.ReplyID, "error", err)
		b.answerCallback(ctx, callback.ID, "Reply not found", false)
		return
	}
	b.answerCallback(ctx, callback.ID, "", false)

	if chat, topic, ok := callbackChat(callback); ok {
		b.sendMessage(ctx, chat, topic, b.formatter.FormatDraft(reply))
	}
}

// finishReview removes the keyboard from the reviewed message and reports the outcome
func (b *Bot) finishReview(ctx context.Context, callback *models.CallbackQuery, outcome string) {
	chat, topic, ok := callbackChat(callback)
	if !ok {
		return
	}
	if msg := callback.Message.Message; msg != nil {
		if err := b.editMessageReplyMarkup(ctx, chat, msg.ID, &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{}}); err != nil {
			b.logger.Debug("Failed to clear keyboard", "error", err)
		}
	}
	b.sendMessage(ctx, chat, topic, outcome)
}

func (b *Bot) approve(ctx context.Context, replyID, reviewer string) string {
	result, err := b.workflow.Approve(ctx, replyID, reviewer)
	if err != nil {
		b.logger.Warn("Approve failed", "reply_id", replyID, "reviewer", reviewer, "error", err)
		return reviewErrorText(err)
	}
	return fmt.Sprintf("Reply <code>%s</code> sent to %s\nMessage-ID: <code>%s</code>\nPhase: %s",
		replyID, result.Reply.Metadata.Recipient, result.Sent.TransportMessageID, result.Phase)
}

func (b *Bot) reject(ctx context.Context, replyID, reviewer, reason string) string {
	if err := b.workflow.Reject(ctx, replyID, reviewer, reason); err != nil {
		b.logger.Warn("Reject failed", "reply_id", replyID, "reviewer", reviewer, "error", err)
		return reviewErrorText(err)
	}
	return fmt.Sprintf("Reply <code>%s</code> rejected", replyID)
}

// reviewErrorText maps workflow errors to messages a reviewer can act on
func reviewErrorText(err error) string {
	switch {
	case errors.Is(err, workflow.ErrReplyNotFound):
		return "Reply not found"
	case errors.Is(err, workflow.ErrReplyNotPending):
		return "This reply was already reviewed"
	case errors.Is(err, workflow.ErrAttachmentUnavailable):
		return "The proposal PDF could not be generated. Nothing was sent; try again later"
	case errors.Is(err, appmodels.ErrInvalidRecord):
		return "Invalid input: " + err.Error()
	default:
		return "Failed: " + err.Error()
	}
}

func reviewerName(u *models.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// commandName returns the command word without a @bot suffix
func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return name
}

// commandArgs splits the arguments after the command word into at most n parts.
// The last part keeps the rest of the text verbatim.
func commandArgs(text string, n int) []string {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \t\n")
	if i < 0 {
		return nil
	}
	rest := text[i+1:]

	var args []string
	for len(args) < n-1 {
		rest = strings.TrimLeft(rest, " \t\n")
		if rest == "" {
			return args
		}
		end := strings.IndexAny(rest, " \t\n")
		if end < 0 {
			return append(args, rest)
		}
		args = append(args, rest[:end])
		rest = rest[end+1:]
	}

	if rest = strings.TrimSpace(rest); rest != "" {
		args = append(args, rest)
	}
	return args
}
