package formatter

import (
	"encoding/json"

	"github.com/go-telegram/bot/models"

	appmodels "github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// BuildReplyKeyboard creates the review keyboard for a pending reply
func BuildReplyKeyboard(replyID string) *models.InlineKeyboardMarkup {
	button := func(text string, action appmodels.CallbackAction) models.InlineKeyboardButton {
		return models.InlineKeyboardButton{
			Text:         text,
			CallbackData: EncodeCallback(appmodels.CallbackData{Action: action, ReplyID: replyID}),
		}
	}

	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				button("Approve & send", appmodels.CallbackApprove),
				button("Reject", appmodels.CallbackReject),
			},
			{
				button("Show full draft", appmodels.CallbackShow),
			},
		},
	}
}

// EncodeCallback encodes callback data to string
func EncodeCallback(data appmodels.CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (appmodels.CallbackData, error) {
	var cb appmodels.CallbackData
	err := json.Unmarshal([]byte(data), &cb)
	return cb, err
}
