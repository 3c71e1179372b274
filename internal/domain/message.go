package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message - сообщение беседы. ID выдаётся базой по порядку вставки и
// используется как тай-брейк при совпадении created_at. Удаление -
// надгробие (deleted_at) на стороне хранилища, наружу такие строки
// не отдаются.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       *uuid.UUID `json:"sender_id,omitempty"`
	MessageType    string     `json:"message_type"`
	Content        string     `json:"content"`
	ReplyToID      *int64     `json:"reply_to,omitempty"`
	IsEdited       bool       `json:"edited"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Для text content обязателен; у file и image в content лежит ссылка на
// вложение, поле может быть пустым. system пишет только сам сервис.
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeImage  = "image"
	MessageTypeSystem = "system"
)

const MaxMessageLength = 4000

// IsValidMessageType проверяет тип, допустимый в клиентском send_message
func IsValidMessageType(messageType string) bool {
	switch messageType {
	case MessageTypeText, MessageTypeFile, MessageTypeImage:
		return true
	}
	return false
}

type ReadReceipt struct {
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
