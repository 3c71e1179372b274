package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema применяется при старте; выражения идемпотентны (IF NOT EXISTS),
// повторный запуск ничего не ломает.
//
// Таблицу users ведёт ядро CRM. CREATE здесь нужен для локальной разработки
// и тестов: в боевой базе выражение ничего не меняет.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email VARCHAR(255) UNIQUE NOT NULL,
    display_name VARCHAR(100) NOT NULL,
    avatar_url TEXT,
    role VARCHAR(32) NOT NULL DEFAULT 'agent',
    office_id UUID,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    type VARCHAR(16) NOT NULL,
    title VARCHAR(200),
    created_by UUID NOT NULL REFERENCES users(id),
    direct_key VARCHAR(80),
    last_message_content TEXT,
    last_message_at TIMESTAMPTZ,
    last_message_sender_id UUID,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT conversations_type_check CHECK (type IN ('direct', 'group'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key
    ON conversations (direct_key) WHERE direct_key IS NOT NULL AND is_active;

CREATE TABLE IF NOT EXISTS conversation_members (
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id),
    added_by UUID REFERENCES users(id),
    joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members (user_id);

CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sender_id UUID REFERENCES users(id),
    message_type VARCHAR(16) NOT NULL DEFAULT 'text',
    content TEXT NOT NULL DEFAULT '',
    reply_to_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
    edited BOOLEAN NOT NULL DEFAULT FALSE,
    edited_at TIMESTAMPTZ,
    deleted_at TIMESTAMPTZ,
    deleted_by UUID REFERENCES users(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT messages_type_check CHECK (message_type IN ('text', 'file', 'image', 'system'))
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_order
    ON messages (conversation_id, created_at DESC, id DESC) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS message_reads (
    message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    user_id UUID NOT NULL REFERENCES users(id),
    read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_message_reads_user ON message_reads (user_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id BIGSERIAL PRIMARY KEY,
    event_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    actor_user_id UUID,
    actor_role VARCHAR(32) NOT NULL,
    conversation_id UUID,
    event_type VARCHAR(64) NOT NULL,
    payload JSONB
);

CREATE INDEX IF NOT EXISTS idx_audit_log_conversation ON audit_log (conversation_id);
`

func RunMigrations(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
