package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
)

// Типы событий, уходящих клиенту
const (
	EventNewMessage         = "new_message"
	EventMessageEdited      = "message_edited"
	EventMessageDeleted     = "message_deleted"
	EventUserTyping         = "user_typing"
	EventMessagesRead       = "messages_read"
	EventPresenceChanged    = "presence_changed"
	EventJoined             = "joined_conversation"
	EventLeft               = "left_conversation"
	EventMemberAdded        = "member_added"
	EventMemberRemoved      = "member_removed"
	EventConversationNew    = "conversation_new"
	EventConversationClosed = "conversation_closed"
	EventNotification       = "notification"
	EventError              = "error"
)

// Типы событий, приходящих от клиента
const (
	ClientEventJoin        = "join_conversation"
	ClientEventLeave       = "leave_conversation"
	ClientEventSendMessage = "send_message"
	ClientEventEditMessage = "edit_message"
	ClientEventDelete      = "delete_message"
	ClientEventTypingStart = "typing_start"
	ClientEventTypingStop  = "typing_stop"
	ClientEventMarkRead    = "mark_read"
	ClientEventSetPresence = "set_presence"
)

// Event - конверт события: тип плюс произвольная полезная нагрузка
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Payload: raw})
}

type MessageDeletedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	RemovedBy      uuid.UUID `json:"removed_by"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	IsTyping       bool      `json:"is_typing"`
}

type MessagesReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	MessageIDs     []int64   `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

type MemberPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	ActorID        uuid.UUID `json:"actor_id"`
}

type ConversationNewPayload struct {
	Conversation *domain.Conversation         `json:"conversation"`
	Members      []*domain.ConversationMember `json:"members,omitempty"`
}

type ConversationClosedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	ClosedBy       uuid.UUID `json:"closed_by"`
}

// JoinedPayload подтверждает join_conversation/leave_conversation
type JoinedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// ErrorPayload: code - стабильная машинная категория, message - текст для людей
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Полезные нагрузки входящих событий

type ConversationRef struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type,omitempty"`
	ReplyToID      *int64    `json:"reply_to,omitempty"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID int64 `json:"message_id"`
}

// MarkReadPayload: с message_ids отмечаются перечисленные сообщения,
// без них - вся беседа целиком
type MarkReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageIDs     []int64   `json:"message_ids,omitempty"`
}

type SetPresencePayload struct {
	Status string `json:"status"`
}
