package database

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    phase TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    last_seq INTEGER NOT NULL DEFAULT 0,
    requirements_version INTEGER NOT NULL DEFAULT 0,
    participants TEXT NOT NULL DEFAULT '[]',
    thread_references TEXT NOT NULL DEFAULT '[]',
    requirements TEXT,
    original_message_id TEXT NOT NULL DEFAULT '',
    normalized_subject TEXT NOT NULL DEFAULT '',
    ttl DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
    seq INTEGER,
    direction TEXT NOT NULL,
    canonical_message_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS pending_replies (
    reply_id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
    prompt TEXT NOT NULL DEFAULT '',
    draft_body TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL,
    status TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    reviewed_at DATETIME,
    reviewed_by TEXT NOT NULL DEFAULT '',
    rejection_reason TEXT NOT NULL DEFAULT '',
    sent_at DATETIME,
    sent_message_id TEXT NOT NULL DEFAULT '',
    amended_content TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS message_id_mappings (
    message_id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    ttl DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_subject ON conversations(normalized_subject, updated_at);
CREATE INDEX IF NOT EXISTS idx_conversations_ttl ON conversations(ttl);
CREATE INDEX IF NOT EXISTS idx_emails_conversation ON conversation_emails(conversation_id, canonical_message_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_inbound_message ON conversation_emails(conversation_id, canonical_message_id)
    WHERE direction = 'inbound' AND canonical_message_id <> '';
CREATE INDEX IF NOT EXISTS idx_replies_conversation ON pending_replies(conversation_id, status);
CREATE INDEX IF NOT EXISTS idx_mappings_ttl ON message_id_mappings(ttl);
CREATE INDEX IF NOT EXISTS idx_mappings_conversation ON message_id_mappings(conversation_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    phase TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_seq BIGINT NOT NULL DEFAULT 0,
    requirements_version BIGINT NOT NULL DEFAULT 0,
    participants TEXT NOT NULL DEFAULT '[]',
    thread_references TEXT NOT NULL DEFAULT '[]',
    requirements TEXT,
    original_message_id TEXT NOT NULL DEFAULT '',
    normalized_subject TEXT NOT NULL DEFAULT '',
    ttl TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_emails (
    id BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
    seq BIGINT,
    direction TEXT NOT NULL,
    canonical_message_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE(conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS pending_replies (
    reply_id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
    prompt TEXT NOT NULL DEFAULT '',
    draft_body TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL,
    status TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    reviewed_at TIMESTAMPTZ,
    reviewed_by TEXT NOT NULL DEFAULT '',
    rejection_reason TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMPTZ,
    sent_message_id TEXT NOT NULL DEFAULT '',
    amended_content TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS message_id_mappings (
    message_id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    ttl TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_subject ON conversations(normalized_subject, updated_at);
CREATE INDEX IF NOT EXISTS idx_conversations_ttl ON conversations(ttl);
CREATE INDEX IF NOT EXISTS idx_emails_conversation ON conversation_emails(conversation_id, canonical_message_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_inbound_message ON conversation_emails(conversation_id, canonical_message_id)
    WHERE direction = 'inbound' AND canonical_message_id <> '';
CREATE INDEX IF NOT EXISTS idx_replies_conversation ON pending_replies(conversation_id, status);
CREATE INDEX IF NOT EXISTS idx_mappings_ttl ON message_id_mappings(ttl);
CREATE INDEX IF NOT EXISTS idx_mappings_conversation ON message_id_mappings(conversation_id);
`
