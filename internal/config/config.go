package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"sqlite://./data/solopilot.db"`

	// Identity of the outbound mailbox
	SenderAddress string `env:"SENDER_ADDRESS,required"`
	SenderName    string `env:"SENDER_NAME" envDefault:"SoloPilot"`

	// Telegram approval UI (optional)
	TelegramToken     string  `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID    int64   `env:"TELEGRAM_CHAT_ID"`
	TelegramTopicID   int     `env:"TELEGRAM_TOPIC_ID"`
	TelegramReviewers []int64 `env:"TELEGRAM_REVIEWERS" envSeparator:","`

	// Inbound IMAP (optional)
	IMAPServer        string        `env:"IMAP_SERVER"` // host:port, detected from IMAP_USERNAME when empty
	IMAPUsername      string        `env:"IMAP_USERNAME"`
	IMAPPassword      string        `env:"IMAP_PASSWORD"`
	IMAPMailbox       string        `env:"IMAP_MAILBOX" envDefault:"INBOX"`
	IMAPDialTimeout   time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	EmailPollInterval time.Duration `env:"EMAIL_POLL_INTERVAL" envDefault:"1m"`
	EmailBatchSize    int           `env:"EMAIL_BATCH_SIZE" envDefault:"25"`

	// Outbound SMTP
	SMTPAddr          string   `env:"SMTP_ADDR"` // host:port, detected from SENDER_ADDRESS when empty
	SMTPUsername      string   `env:"SMTP_USERNAME"`
	SMTPPassword      string   `env:"SMTP_PASSWORD"`
	SMTPRatePerMinute int      `env:"SMTP_RATE_PER_MINUTE" envDefault:"30"`
	SMTPRelayDomain   string   `env:"SMTP_RELAY_DOMAIN"` // Domain the relay uses for the ids it assigns, e.g. email.amazonses.com
	RelayDomains      []string `env:"RELAY_DOMAINS" envSeparator:"," envDefault:"amazonses.com"`

	// Conversation store
	ConversationTTL  time.Duration `env:"CONVERSATION_TTL" envDefault:"720h"`
	MessageIDTTL     time.Duration `env:"MESSAGE_ID_TTL" envDefault:"720h"`
	AppendMaxRetries int           `env:"APPEND_MAX_RETRIES" envDefault:"3"`
	SubjectLookback  time.Duration `env:"SUBJECT_LOOKBACK" envDefault:"168h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	// External collaborators: extraction, drafting, PDF generation (optional)
	CollabURL              string        `env:"COLLAB_URL"`
	CollabAPIKey           string        `env:"COLLAB_API_KEY"`
	CollabTimeout          time.Duration `env:"COLLAB_TIMEOUT" envDefault:"60s"`
	RequirementsSchemaPath string        `env:"REQUIREMENTS_SCHEMA_PATH"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TelegramEnabled returns true if the approval bot is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// IMAPEnabled returns true if inbound polling is configured
func (c *Config) IMAPEnabled() bool {
	return c.IMAPUsername != "" && c.IMAPPassword != ""
}

// SMTPEnabled returns true if outbound sending is configured
func (c *Config) SMTPEnabled() bool {
	return c.SMTPAddr != "" || c.SMTPUsername != ""
}

// CollabEnabled returns true if the external collaborator service is configured
func (c *Config) CollabEnabled() bool {
	return c.CollabURL != ""
}

// SenderDomain returns the domain part of the sender address
func (c *Config) SenderDomain() string {
	at := strings.LastIndex(c.SenderAddress, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(c.SenderAddress[at+1:])
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values env tags cannot express
func (c *Config) Validate() error {
	if _, err := mail.ParseAddress(c.SenderAddress); err != nil {
		return fmt.Errorf("SENDER_ADDRESS is not a valid address: %w", err)
	}
	if c.AppendMaxRetries < 0 {
		return fmt.Errorf("APPEND_MAX_RETRIES must not be negative, got %d", c.AppendMaxRetries)
	}
	if c.ConversationTTL <= 0 || c.MessageIDTTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL and MESSAGE_ID_TTL must be positive")
	}
	if c.EmailBatchSize <= 0 {
		return fmt.Errorf("EMAIL_BATCH_SIZE must be positive, got %d", c.EmailBatchSize)
	}
	if c.SMTPRatePerMinute <= 0 {
		return fmt.Errorf("SMTP_RATE_PER_MINUTE must be positive, got %d", c.SMTPRatePerMinute)
	}
	return nil
}
