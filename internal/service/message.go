package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/metrics"
	"crm_messenger/internal/repository"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

const notificationPreviewLength = 120

type MessageService interface {
	SendMessage(ctx context.Context, sender *domain.User, conversationID uuid.UUID, content, messageType string, replyToID *int64) (*domain.Message, error)
	AppendSystem(ctx context.Context, conversationID uuid.UUID, content string) (*domain.Message, error)
	GetHistory(ctx context.Context, requesterID, conversationID uuid.UUID, page, pageSize int) ([]*domain.Message, error)
	EditMessage(ctx context.Context, actor *domain.User, messageID int64, content string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, actor *domain.User, messageID int64) error
	NotifyTyping(ctx context.Context, actor *domain.User, conversationID uuid.UUID, isTyping bool) error
}

type messageService struct {
	messageRepo      repository.MessageRepository
	conversationRepo repository.ConversationRepository
	auditRepo        repository.AuditRepository
	broadcaster      Broadcaster
	policy           *domain.RolePolicy
	locks            *conversationLocks
	historyPageSize  int
	log              logger.Logger
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	conversationRepo repository.ConversationRepository,
	auditRepo repository.AuditRepository,
	broadcaster Broadcaster,
	policy *domain.RolePolicy,
	locks *conversationLocks,
	chatCfg config.ChatConfig,
	log logger.Logger,
) MessageService {
	return &messageService{
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		auditRepo:        auditRepo,
		broadcaster:      broadcaster,
		policy:           policy,
		locks:            locks,
		historyPageSize:  chatCfg.HistoryPageSize,
		log:              log,
	}
}

// SendMessage сохраняет сообщение и рассылает его участникам беседы.
// Офлайновым участникам ставится уведомление в очередь.
func (s *messageService) SendMessage(ctx context.Context, sender *domain.User, conversationID uuid.UUID, content, messageType string, replyToID *int64) (*domain.Message, error) {
	if messageType == "" {
		messageType = domain.MessageTypeText
	}
	if !domain.IsValidMessageType(messageType) {
		return nil, fmt.Errorf("unknown message type %q: %w", messageType, pkgerrors.ErrValidationFailure)
	}

	// Текст обязателен только для text; у file и image в content лежит
	// ссылка на вложение и пустое значение допустимо
	content = strings.TrimSpace(content)
	if content == "" && messageType == domain.MessageTypeText {
		return nil, fmt.Errorf("message content is required: %w", pkgerrors.ErrValidationFailure)
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageLength {
		return nil, fmt.Errorf("message is too long (max %d characters): %w", domain.MaxMessageLength, pkgerrors.ErrValidationFailure)
	}

	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.IsActive {
		return nil, fmt.Errorf("conversation is not active: %w", pkgerrors.ErrValidationFailure)
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, sender.ID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	// Цель ответа должна быть живым сообщением этой же беседы
	if replyToID != nil {
		parent, err := s.messageRepo.GetByID(ctx, *replyToID)
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != conversationID {
			return nil, fmt.Errorf("reply target belongs to another conversation: %w", pkgerrors.ErrMessageNotFound)
		}
	}

	lock := s.locks.Get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	message := &domain.Message{
		ConversationID: conversationID,
		SenderID:       &sender.ID,
		MessageType:    messageType,
		Content:        content,
		ReplyToID:      replyToID,
	}
	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, err
	}

	metrics.MessagesSent.WithLabelValues(messageType).Inc()

	s.fanOutMessage(ctx, message, &domain.Notification{
		Type:           domain.NotificationTypeMessage,
		ConversationID: conversationID,
		MessageID:      message.ID,
		SenderID:       sender.ID,
		SenderName:     sender.DisplayName,
		Preview:        preview(message),
		CreatedAt:      message.CreatedAt,
	}, sender.ID)

	return message, nil
}

// AppendSystem пишет служебное сообщение от имени системы. Уведомления
// по таким сообщениям не ставятся.
func (s *messageService) AppendSystem(ctx context.Context, conversationID uuid.UUID, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("message content is required: %w", pkgerrors.ErrValidationFailure)
	}

	lock := s.locks.Get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	message := &domain.Message{
		ConversationID: conversationID,
		MessageType:    domain.MessageTypeSystem,
		Content:        content,
	}
	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, err
	}

	s.fanOutMessage(ctx, message, nil, uuid.Nil)

	return message, nil
}

func (s *messageService) GetHistory(ctx context.Context, requesterID, conversationID uuid.UUID, page, pageSize int) ([]*domain.Message, error) {
	if _, err := s.conversationRepo.GetByID(ctx, conversationID); err != nil {
		return nil, err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > s.historyPageSize {
		pageSize = s.historyPageSize
	}

	return s.messageRepo.ListByConversation(ctx, conversationID, pageSize, (page-1)*pageSize)
}

// EditMessage меняет текст сообщения. Право на правку есть только у автора,
// привилегированные роли исключения не получают.
func (s *messageService) EditMessage(ctx context.Context, actor *domain.User, messageID int64, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("message content is required: %w", pkgerrors.ErrValidationFailure)
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageLength {
		return nil, fmt.Errorf("message is too long (max %d characters): %w", domain.MaxMessageLength, pkgerrors.ErrValidationFailure)
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.MessageType == domain.MessageTypeSystem {
		return nil, fmt.Errorf("system messages cannot be edited: %w", pkgerrors.ErrValidationFailure)
	}
	if message.SenderID == nil || *message.SenderID != actor.ID {
		return nil, fmt.Errorf("only the sender can edit a message: %w", pkgerrors.ErrAuthorizationDenied)
	}

	lock := s.locks.Get(message.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	message.Content = content
	if err := s.messageRepo.Update(ctx, message); err != nil {
		return nil, err
	}

	if err := s.conversationRepo.RefreshSummary(ctx, message.ConversationID); err != nil {
		s.log.Warn("Failed to refresh conversation summary", "conversation_id", message.ConversationID, "error", err)
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &actor.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &message.ConversationID,
		EventType:      domain.EventTypeMessageEdited,
		Payload:        map[string]interface{}{"message_id": message.ID},
	})

	event, err := ws.NewEvent(ws.EventMessageEdited, message)
	if err != nil {
		s.log.Error("Failed to encode message event", "error", err)
		return message, nil
	}
	memberIDs, err := s.conversationRepo.GetMemberIDs(ctx, message.ConversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", message.ConversationID, "error", err)
		return message, nil
	}
	s.broadcaster.DispatchEvent(ctx, memberIDs, ws.EventMessageEdited, event, nil)

	return message, nil
}

// DeleteMessage удаляет сообщение. Это может сделать автор либо роль
// с правом удаления чужих сообщений.
func (s *messageService) DeleteMessage(ctx context.Context, actor *domain.User, messageID int64) error {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	isSender := message.SenderID != nil && *message.SenderID == actor.ID
	if !isSender && !s.policy.Allows(actor.Role, domain.CapabilityDeleteAnyMessage) {
		return fmt.Errorf("only the sender or a privileged role can remove a message: %w", pkgerrors.ErrAuthorizationDenied)
	}

	lock := s.locks.Get(message.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.messageRepo.Delete(ctx, messageID, actor.ID); err != nil {
		return err
	}

	if err := s.conversationRepo.RefreshSummary(ctx, message.ConversationID); err != nil {
		s.log.Warn("Failed to refresh conversation summary", "conversation_id", message.ConversationID, "error", err)
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &actor.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &message.ConversationID,
		EventType:      domain.EventTypeMessageDeleted,
		Payload:        map[string]interface{}{"message_id": message.ID},
	})

	event, err := ws.NewEvent(ws.EventMessageDeleted, ws.MessageDeletedPayload{
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		RemovedBy:      actor.ID,
	})
	if err != nil {
		s.log.Error("Failed to encode message event", "error", err)
		return nil
	}
	memberIDs, err := s.conversationRepo.GetMemberIDs(ctx, message.ConversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", message.ConversationID, "error", err)
		return nil
	}
	s.broadcaster.DispatchEvent(ctx, memberIDs, ws.EventMessageDeleted, event, nil)

	return nil
}

// NotifyTyping рассылает индикатор набора тем участникам, кто сейчас онлайн.
// Индикатор не сохраняется и в очередь уведомлений не попадает.
func (s *messageService) NotifyTyping(ctx context.Context, actor *domain.User, conversationID uuid.UUID, isTyping bool) error {
	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, actor.ID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	event, err := ws.NewEvent(ws.EventUserTyping, ws.TypingPayload{
		ConversationID: conversationID,
		UserID:         actor.ID,
		DisplayName:    actor.DisplayName,
		IsTyping:       isTyping,
	})
	if err != nil {
		s.log.Error("Failed to encode typing event", "error", err)
		return nil
	}

	memberIDs, err := s.conversationRepo.GetMemberIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	s.broadcaster.DispatchTransient(memberIDs, ws.EventUserTyping, event, actor.ID)

	return nil
}

// fanOutMessage рассылает свежее сообщение всем участникам. Автор получает
// событие без уведомления, остальные офлайновые получают notification.
func (s *messageService) fanOutMessage(ctx context.Context, message *domain.Message, notification *domain.Notification, senderID uuid.UUID) {
	event, err := ws.NewEvent(ws.EventNewMessage, message)
	if err != nil {
		s.log.Error("Failed to encode message event", "error", err)
		return
	}

	memberIDs, err := s.conversationRepo.GetMemberIDs(ctx, message.ConversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", message.ConversationID, "error", err)
		return
	}

	if senderID == uuid.Nil {
		s.broadcaster.DispatchEvent(ctx, memberIDs, ws.EventNewMessage, event, notification)
		return
	}

	s.broadcaster.DispatchEvent(ctx, memberIDs, ws.EventNewMessage, event, notification, senderID)
	s.broadcaster.DispatchEvent(ctx, []uuid.UUID{senderID}, ws.EventNewMessage, event, nil)
}

func preview(message *domain.Message) string {
	content := message.Content
	if content == "" {
		switch message.MessageType {
		case domain.MessageTypeFile:
			content = "sent a file"
		case domain.MessageTypeImage:
			content = "sent an image"
		}
	}
	runes := []rune(content)
	if len(runes) <= notificationPreviewLength {
		return content
	}
	return string(runes[:notificationPreviewLength])
}
