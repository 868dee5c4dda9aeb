package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"

	"github.com/arkb75/SoloPilot-sub000/internal/config"
	"github.com/arkb75/SoloPilot-sub000/internal/workflow"
	appmodels "github.com/arkb75/SoloPilot-sub000/pkg/models"
)

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		text string
		n    int
		want []string
	}{
		{"/approve", 1, nil},
		{"/approve r1", 1, []string{"r1"}},
		{"/approve   r1  ", 1, []string{"r1"}},
		{"/reject r1", 2, []string{"r1"}},
		{"/reject r1 too expensive", 2, []string{"r1", "too expensive"}},
		{"/amend r1 Hi Alice,\n\nThanks!", 2, []string{"r1", "Hi Alice,\n\nThanks!"}},
		{"/amend\nr1 text", 2, []string{"r1", "text"}},
		{"/conversations proposal_draft", 1, []string{"proposal_draft"}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, commandArgs(tt.text, tt.n))
		})
	}
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "/conversations", commandName("/conversations@SoloPilotBot proposal_draft"))
	assert.Equal(t, "/conversation", commandName("/conversation abc"))
	assert.Equal(t, "", commandName("  "))
}

func TestReviewErrorText(t *testing.T) {
	assert.Equal(t, "Reply not found", reviewErrorText(fmt.Errorf("%w: r1", workflow.ErrReplyNotFound)))
	assert.Equal(t, "This reply was already reviewed", reviewErrorText(fmt.Errorf("%w: r1", workflow.ErrReplyNotPending)))
	assert.Contains(t, reviewErrorText(fmt.Errorf("%w: boom", workflow.ErrAttachmentUnavailable)), "Nothing was sent")
	assert.Contains(t, reviewErrorText(fmt.Errorf("%w: empty", appmodels.ErrInvalidRecord)), "Invalid input")
	assert.Equal(t, "Failed: smtp down", reviewErrorText(errors.New("smtp down")))
}

func TestReviewerName(t *testing.T) {
	assert.Equal(t, "@alice", reviewerName(&models.User{ID: 1, Username: "alice"}))
	assert.Equal(t, "42", reviewerName(&models.User{ID: 42}))
	assert.Equal(t, "", reviewerName(nil))
}

func TestReviewersOnly(t *testing.T) {
	b := &Bot{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		config: &config.Config{TelegramReviewers: []int64{42}},
	}
	called := false
	handler := b.reviewersOnly(func(context.Context, *bot.Bot, *models.Update) { called = true })

	// Channel posts and anonymous admins arrive without a sender
	handler(context.Background(), nil, &models.Update{Message: &models.Message{Chat: models.Chat{ID: 1}}})
	assert.False(t, called)

	handler(context.Background(), nil, &models.Update{})
	assert.False(t, called)

	handler(context.Background(), nil, &models.Update{Message: &models.Message{Chat: models.Chat{ID: 1}, From: &models.User{ID: 42}}})
	assert.True(t, called)
}
