package models

// CallbackAction type of callback action
type CallbackAction string

const (
	CallbackApprove CallbackAction = "ap"
	CallbackReject  CallbackAction = "rj"
	CallbackShow    CallbackAction = "sh"
)

// CallbackData structure for inline button callback
type CallbackData struct {
	Action  CallbackAction `json:"a"`
	ReplyID string         `json:"r"`
}
