package models

// File is a generated attachment
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// OutgoingEmail is what the mail transport is asked to send
type OutgoingEmail struct {
	To          string
	Subject     string
	Body        string
	InReplyTo   string
	References  []string
	Attachments []File
}

// SendResult carries both identities of a sent message. The transport id is the one
// the relay exposes to recipients; the tracking id is the one set by the sender.
type SendResult struct {
	TransportMessageID string
	TrackingMessageID  string
}
