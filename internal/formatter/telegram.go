package formatter

import (
	"fmt"
	"strings"

	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// TelegramFormatter formats conversations and drafts for Telegram
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
	}
}

// FormatPendingReply formats a draft for review, with the message it answers
func (f *TelegramFormatter) FormatPendingReply(conv *models.Conversation, reply *models.PendingReply) string {
	var sb strings.Builder

	sb.WriteString("<b>Reply awaiting review</b>\n")
	sb.WriteString(fmt.Sprintf("<b>Conversation:</b> <code>%s</code>\n", conv.ConversationID))
	sb.WriteString(fmt.Sprintf("<b>Reply:</b> <code>%s</code>\n", reply.ReplyID))
	sb.WriteString(fmt.Sprintf("<b>To:</b> %s\n", f.escapeHTML(reply.Metadata.Recipient)))
	sb.WriteString(fmt.Sprintf("<b>Subject:</b> %s\n", f.escapeHTML(reply.Metadata.Subject)))
	sb.WriteString(fmt.Sprintf("<b>Phase:</b> %s\n", reply.Phase))
	if reply.Metadata.ShouldSendPDF {
		sb.WriteString("<b>Attachment:</b> proposal PDF\n")
	}
	sb.WriteString("\n")

	if last := lastInbound(conv); last != nil {
		sb.WriteString(fmt.Sprintf("<b>Last message from %s:</b>\n", f.escapeHTML(last.From)))
		sb.WriteString("<blockquote>")
		sb.WriteString(f.escapeHTML(f.truncate(last.Body, 600)))
		sb.WriteString("</blockquote>\n\n")
	}

	sb.WriteString("<b>Draft:</b>\n")
	body := f.truncate(reply.OutgoingBody(), f.maxLength-sb.Len()-50)
	sb.WriteString(f.escapeHTML(body))

	return sb.String()
}

// FormatDraft formats the complete outgoing text of a reply
func (f *TelegramFormatter) FormatDraft(reply *models.PendingReply) string {
	header := fmt.Sprintf("<b>Draft %s</b>\n\n", reply.ReplyID)
	return header + f.escapeHTML(f.truncate(reply.OutgoingBody(), f.maxLength-len(header)))
}

// FormatConversation formats a conversation summary
func (f *TelegramFormatter) FormatConversation(conv *models.Conversation) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>Conversation</b> <code>%s</code>\n", conv.ConversationID))
	sb.WriteString(fmt.Sprintf("<b>Subject:</b> %s\n", f.escapeHTML(conv.NormalizedSubject)))
	sb.WriteString(fmt.Sprintf("<b>Phase:</b> %s\n", conv.Phase))
	sb.WriteString(fmt.Sprintf("<b>Status:</b> %s\n", conv.Status))
	sb.WriteString(fmt.Sprintf("<b>Participants:</b> %s\n", f.escapeHTML(strings.Join(conv.Participants, ", "))))
	sb.WriteString(fmt.Sprintf("<b>Updated:</b> %s\n", conv.UpdatedAt.Format("02.01.2006 15:04")))
	sb.WriteString(fmt.Sprintf("<b>Emails:</b> %d, <b>requirements v%d</b>\n", len(conv.EmailHistory), conv.RequirementsVersion))

	pending := 0
	for _, r := range conv.PendingReplies {
		if r.Status == models.ReplyPending {
			pending++
		}
	}
	if pending > 0 {
		sb.WriteString(fmt.Sprintf("<b>Pending replies:</b> %d (/pending %s)\n", pending, conv.ConversationID))
	}

	if len(conv.EmailHistory) > 0 {
		sb.WriteString("\n<b>History:</b>\n")
		for _, e := range conv.EmailHistory {
			arrow := "→"
			if e.Direction == models.DirectionInbound {
				arrow = "←"
			}
			line := fmt.Sprintf("%s %s %s: %s\n", arrow, e.Timestamp.Format("02.01 15:04"), e.From, f.truncate(firstLine(e.Body), 80))
			if sb.Len()+len(line) > f.maxLength {
				sb.WriteString("…\n")
				break
			}
			sb.WriteString(f.escapeHTML(line))
		}
	}

	return sb.String()
}

// FormatConversationList formats a one-line-per-conversation listing
func (f *TelegramFormatter) FormatConversationList(convs []*models.Conversation) string {
	if len(convs) == 0 {
		return "No conversations"
	}

	var sb strings.Builder
	sb.WriteString("<b>Conversations:</b>\n\n")
	for _, c := range convs {
		line := fmt.Sprintf("<code>%s</code> %s [%s]\n", c.ConversationID, f.escapeHTML(c.NormalizedSubject), c.Phase)
		if sb.Len()+len(line) > f.maxLength {
			sb.WriteString("…")
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func lastInbound(conv *models.Conversation) *models.Email {
	for i := len(conv.EmailHistory) - 1; i >= 0; i-- {
		if conv.EmailHistory[i].Direction == models.DirectionInbound {
			return &conv.EmailHistory[i]
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// Escape escapes text for HTML parse mode
func (f *TelegramFormatter) Escape(s string) string {
	return f.escapeHTML(s)
}
