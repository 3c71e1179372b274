package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification - офлайн-уведомление, ожидающее получателя в очереди.
// Доставляется при следующем подключении, строгий порядок не гарантируется.
type Notification struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      int64     `json:"message_id,omitempty"`
	SenderID       uuid.UUID `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	NotificationTypeMessage     = "new_message"
	NotificationTypeMemberAdded = "added_to_conversation"
)
