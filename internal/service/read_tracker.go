package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

// ReadTrackerService ведет отметки о прочтении. Отметка монотонна:
// повторный MarkRead не двигает время, снять ее можно только явным MarkUnread.
type ReadTrackerService interface {
	MarkRead(ctx context.Context, actor *domain.User, messageID int64) error
	MarkUnread(ctx context.Context, actor *domain.User, messageID int64) error
	MarkMessagesRead(ctx context.Context, actor *domain.User, conversationID uuid.UUID, messageIDs []int64) ([]int64, error)
	MarkConversationRead(ctx context.Context, actor *domain.User, conversationID uuid.UUID) ([]int64, error)
	GetReaders(ctx context.Context, requesterID uuid.UUID, messageID int64) ([]*domain.ReadReceipt, error)
	UnreadCount(ctx context.Context, userID, conversationID uuid.UUID) (int, error)
	UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error)
}

type readTrackerService struct {
	readReceiptRepo  repository.ReadReceiptRepository
	messageRepo      repository.MessageRepository
	conversationRepo repository.ConversationRepository
	broadcaster      Broadcaster
	locks            *conversationLocks
	log              logger.Logger
}

func NewReadTrackerService(
	readReceiptRepo repository.ReadReceiptRepository,
	messageRepo repository.MessageRepository,
	conversationRepo repository.ConversationRepository,
	broadcaster Broadcaster,
	locks *conversationLocks,
	log logger.Logger,
) ReadTrackerService {
	return &readTrackerService{
		readReceiptRepo:  readReceiptRepo,
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		broadcaster:      broadcaster,
		locks:            locks,
		log:              log,
	}
}

func (s *readTrackerService) MarkRead(ctx context.Context, actor *domain.User, messageID int64) error {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, message.ConversationID, actor.ID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	// Собственные сообщения отметок не получают
	if message.SenderID != nil && *message.SenderID == actor.ID {
		return nil
	}

	// Под замком беседы: messages_read не должен обогнать события,
	// рассылаемые сейчас другими участниками
	lock := s.locks.Get(message.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	newly, err := s.readReceiptRepo.MarkRead(ctx, messageID, actor.ID)
	if err != nil {
		return err
	}
	if newly {
		s.fanOutRead(ctx, message.ConversationID, actor.ID, []int64{messageID})
	}

	return nil
}

// MarkUnread снимает личную отметку о прочтении. Остальным участникам
// об этом не сообщаем.
func (s *readTrackerService) MarkUnread(ctx context.Context, actor *domain.User, messageID int64) error {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, message.ConversationID, actor.ID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	return s.readReceiptRepo.MarkUnread(ctx, messageID, actor.ID)
}

// MarkMessagesRead отмечает прочитанными перечисленные сообщения беседы.
// Возвращает и рассылает только свежие отметки, так что повторный
// вызов с теми же id событий не порождает.
func (s *readTrackerService) MarkMessagesRead(ctx context.Context, actor *domain.User, conversationID uuid.UUID, messageIDs []int64) ([]int64, error) {
	if _, err := s.conversationRepo.GetByID(ctx, conversationID); err != nil {
		return nil, err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, actor.ID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	lock := s.locks.Get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	marked, err := s.readReceiptRepo.MarkMessagesRead(ctx, conversationID, actor.ID, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(marked) > 0 {
		s.fanOutRead(ctx, conversationID, actor.ID, marked)
	}

	return marked, nil
}

// MarkConversationRead отмечает прочитанными все чужие сообщения беседы.
func (s *readTrackerService) MarkConversationRead(ctx context.Context, actor *domain.User, conversationID uuid.UUID) ([]int64, error) {
	if _, err := s.conversationRepo.GetByID(ctx, conversationID); err != nil {
		return nil, err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, actor.ID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	lock := s.locks.Get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	marked, err := s.readReceiptRepo.MarkConversationRead(ctx, conversationID, actor.ID)
	if err != nil {
		return nil, err
	}
	if len(marked) > 0 {
		s.fanOutRead(ctx, conversationID, actor.ID, marked)
	}

	return marked, nil
}

func (s *readTrackerService) GetReaders(ctx context.Context, requesterID uuid.UUID, messageID int64) ([]*domain.ReadReceipt, error) {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, message.ConversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	return s.readReceiptRepo.GetReaders(ctx, messageID)
}

func (s *readTrackerService) UnreadCount(ctx context.Context, userID, conversationID uuid.UUID) (int, error) {
	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !isMember {
		return 0, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	return s.readReceiptRepo.UnreadCount(ctx, conversationID, userID)
}

func (s *readTrackerService) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	return s.readReceiptRepo.UnreadCounts(ctx, userID)
}

// fanOutRead шлет messages_read подключенным участникам, включая другие
// устройства самого читателя. Офлайновым ничего не копим: после переподключения
// актуальное состояние дают счётчики непрочитанного.
func (s *readTrackerService) fanOutRead(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []int64) {
	event, err := ws.NewEvent(ws.EventMessagesRead, ws.MessagesReadPayload{
		ConversationID: conversationID,
		UserID:         userID,
		MessageIDs:     messageIDs,
		ReadAt:         time.Now(),
	})
	if err != nil {
		s.log.Error("Failed to encode read event", "error", err)
		return
	}

	memberIDs, err := s.conversationRepo.GetMemberIDs(ctx, conversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", conversationID, "error", err)
		return
	}
	s.broadcaster.DispatchTransient(memberIDs, ws.EventMessagesRead, event)
}
