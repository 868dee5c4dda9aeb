package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t, map[string]string{"SENDER_ADDRESS": "Sales@Solo.dev"})
	require.NoError(t, err)

	assert.Equal(t, "sqlite://./data/solopilot.db", cfg.DatabaseDSN)
	assert.Equal(t, []string{"amazonses.com"}, cfg.RelayDomains)
	assert.Equal(t, 3, cfg.AppendMaxRetries)
	assert.Equal(t, 720*time.Hour, cfg.ConversationTTL)
	assert.Equal(t, 168*time.Hour, cfg.SubjectLookback)
	assert.Equal(t, "solo.dev", cfg.SenderDomain())
	assert.False(t, cfg.TelegramEnabled())
	assert.False(t, cfg.IMAPEnabled())
	assert.False(t, cfg.SMTPEnabled())
	assert.False(t, cfg.CollabEnabled())
}

func TestSenderAddressIsRequired(t *testing.T) {
	_, err := parse(t, map[string]string{})
	require.Error(t, err)
}

func TestLists(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"SENDER_ADDRESS":     "sales@solo.dev",
		"TELEGRAM_BOT_TOKEN": "token",
		"TELEGRAM_CHAT_ID":   "-100123",
		"TELEGRAM_REVIEWERS": "11,22",
		"RELAY_DOMAINS":      "amazonses.com,sendgrid.net",
		"IMAP_USERNAME":      "sales@solo.dev",
		"IMAP_PASSWORD":      "secret",
	})
	require.NoError(t, err)

	assert.True(t, cfg.TelegramEnabled())
	assert.True(t, cfg.IMAPEnabled())
	assert.Equal(t, []int64{11, 22}, cfg.TelegramReviewers)
	assert.Equal(t, []string{"amazonses.com", "sendgrid.net"}, cfg.RelayDomains)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"bad sender", map[string]string{"SENDER_ADDRESS": "not an address"}},
		{"negative retries", map[string]string{"SENDER_ADDRESS": "s@solo.dev", "APPEND_MAX_RETRIES": "-1"}},
		{"zero ttl", map[string]string{"SENDER_ADDRESS": "s@solo.dev", "CONVERSATION_TTL": "0s"}},
		{"zero rate", map[string]string{"SENDER_ADDRESS": "s@solo.dev", "SMTP_RATE_PER_MINUTE": "0"}},
		{"zero batch", map[string]string{"SENDER_ADDRESS": "s@solo.dev", "EMAIL_BATCH_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.vars)
			assert.Error(t, err)
		})
	}
}
