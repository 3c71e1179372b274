package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Title     *string   `json:"title,omitempty"`
	CreatedBy uuid.UUID `json:"created_by"`
	// DirectKey - каноничный ключ пары участников личного диалога,
	// заполняется только для type=direct
	DirectKey           *string    `json:"-"`
	LastMessageContent  *string    `json:"last_message_content,omitempty"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	LastMessageSenderID *uuid.UUID `json:"last_message_sender_id,omitempty"`
	IsActive            bool       `json:"is_active"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type ConversationMember struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	DisplayName    string     `json:"display_name"`
	AvatarURL      *string    `json:"avatar_url,omitempty"`
	AddedBy        *uuid.UUID `json:"added_by,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
}

const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
)

// DirectKeyFor строит ключ личного диалога; порядок аргументов не влияет
// на результат, поэтому повторные запросы той же пары попадают в ту же запись
func DirectKeyFor(a, b uuid.UUID) string {
	first, second := a.String(), b.String()
	if strings.Compare(first, second) > 0 {
		first, second = second, first
	}
	return first + ":" + second
}
