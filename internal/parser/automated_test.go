package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutomatedFilter(t *testing.T) {
	f := NewAutomatedFilter()

	tests := []struct {
		name    string
		body    string
		subject string
		want    string
	}{
		{"automated reply marker", "Hi,\nThis is an automated reply. We will get back to you.", "Re: Hello", "auto_reply"},
		{"marker case-insensitive", "THIS IS AN AUTOMATED RESPONSE", "Hello", "auto_reply"},
		{"auto-reply subject", "Thanks", "Automatic reply: Project", "auto_reply"},
		{"out of office body", "I am out of the office until Monday with limited access to email.", "Re: Hello", "out_of_office"},
		{"reply on return", "Thank you for your message. I will respond upon my return on 12 May.", "Re: Hello", "out_of_office"},
		{"absence contact", "In my absence, please contact office@x.com.", "Re: Hello", "out_of_office"},
		{"generated notice", "This email was automatically generated. Please do not reply.", "Your ticket", "auto_reply"},
		{"out of office subject", "", "Out of Office: Re: quote", "out_of_office"},
		{"bounce subject", "", "Undeliverable: Hello", "bounce"},
		{"bounce body", "Delivery has failed to these recipients or groups", "Hello", "bounce"},
		{"mailer daemon", "From: MAILER-DAEMON@mx.example.com", "failure notice", "bounce"},
		{"human reply", "Sounds good, can we talk about the budget?", "Re: Hello", ""},
		{"office mentioned casually", "Our office is in Berlin.", "Re: Hello", ""},
		{"auto-reply as a feature", "It must send an auto-reply to every new ticket.", "Re: Helpdesk", ""},
		{"auto generated as a feature", "Please include an auto generated invoice feature.", "Re: Billing", ""},
		{"leave mentioned in a request", "I'm on parental leave until May, but my cofounder can sign the proposal.", "Re: Proposal", ""},
		{"automated response as a feature", "Customers should get an automated response when they book.", "Re: Booking", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Classify(tt.body, tt.subject))
			assert.Equal(t, tt.want != "", f.IsAutomated(tt.body, tt.subject))
		})
	}
}
