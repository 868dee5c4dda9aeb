package telegram

import (
	"context"
	"fmt"

	"github.com/arkb75/SoloPilot-sub000/internal/formatter"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// NotifyPendingReply posts a freshly drafted reply to the review chat
func (b *Bot) NotifyPendingReply(ctx context.Context, conv *models.Conversation, reply *models.PendingReply) error {
	text := b.formatter.FormatPendingReply(conv, reply)
	keyboard := formatter.BuildReplyKeyboard(reply.ReplyID)

	tgMsg, err := b.sendMessageWithKeyboard(ctx, b.config.TelegramChatID, b.config.TelegramTopicID, text, keyboard)
	if err != nil {
		return fmt.Errorf("failed to post reply for review: %w", err)
	}

	b.logger.Info("Reply posted for review",
		"conversation_id", conv.ConversationID,
		"reply_id", reply.ReplyID,
		"telegram_msg_id", tgMsg.ID,
	)
	return nil
}

// NotifyError reports a pipeline failure to the review chat
func (b *Bot) NotifyError(ctx context.Context, what string, err error) {
	text := fmt.Sprintf("%s:\n<code>%s</code>", b.formatter.Escape(what), b.formatter.Escape(err.Error()))
	if _, sendErr := b.sendMessage(ctx, b.config.TelegramChatID, b.config.TelegramTopicID, text); sendErr != nil {
		b.logger.Error("Failed to send error notification", "error", sendErr)
	}
}
