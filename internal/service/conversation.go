package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

const (
	maxGroupTitleLength = 200
	minGroupMembers     = 2

	defaultConversationPageSize = 50
	maxConversationPageSize     = 100
)

type ConversationService interface {
	FindOrCreateDirect(ctx context.Context, actor *domain.User, otherUserID uuid.UUID) (*domain.Conversation, bool, error)
	CreateGroup(ctx context.Context, creator *domain.User, title string, memberIDs []uuid.UUID) (*domain.Conversation, error)
	GetByID(ctx context.Context, conversationID, requesterID uuid.UUID) (*domain.Conversation, error)
	List(ctx context.Context, userID uuid.UUID, typeFilter, search string, page, pageSize int) ([]*domain.Conversation, error)
	Deactivate(ctx context.Context, conversationID uuid.UUID, actor *domain.User) error
	AddMember(ctx context.Context, conversationID uuid.UUID, actor *domain.User, targetID uuid.UUID) error
	RemoveMember(ctx context.Context, conversationID uuid.UUID, actor *domain.User, targetID uuid.UUID) error
	GetMembers(ctx context.Context, conversationID, requesterID uuid.UUID) ([]*domain.ConversationMember, error)
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

type conversationService struct {
	conversationRepo repository.ConversationRepository
	userRepo         repository.UserRepository
	auditRepo        repository.AuditRepository
	messages         MessageService
	broadcaster      Broadcaster
	policy           *domain.RolePolicy
	log              logger.Logger
}

func NewConversationService(
	conversationRepo repository.ConversationRepository,
	userRepo repository.UserRepository,
	auditRepo repository.AuditRepository,
	messages MessageService,
	broadcaster Broadcaster,
	policy *domain.RolePolicy,
	log logger.Logger,
) ConversationService {
	return &conversationService{
		conversationRepo: conversationRepo,
		userRepo:         userRepo,
		auditRepo:        auditRepo,
		messages:         messages,
		broadcaster:      broadcaster,
		policy:           policy,
		log:              log,
	}
}

// FindOrCreateDirect возвращает диалог двух сотрудников, при первом обращении
// создает его. Конкурентные вызовы сходятся на одной записи за счет
// уникального direct_key, проигравший гонку перечитывает.
func (s *conversationService) FindOrCreateDirect(ctx context.Context, actor *domain.User, otherUserID uuid.UUID) (*domain.Conversation, bool, error) {
	if otherUserID == uuid.Nil {
		return nil, false, fmt.Errorf("peer user id is required: %w", pkgerrors.ErrValidationFailure)
	}
	if actor.ID == otherUserID {
		return nil, false, fmt.Errorf("cannot start a direct conversation with yourself: %w", pkgerrors.ErrValidationFailure)
	}

	other, err := s.userRepo.GetByID(ctx, otherUserID)
	if err != nil {
		return nil, false, err
	}
	if !other.IsActive {
		return nil, false, fmt.Errorf("user account is deactivated: %w", pkgerrors.ErrValidationFailure)
	}

	key := domain.DirectKeyFor(actor.ID, otherUserID)

	existing, err := s.conversationRepo.GetByDirectKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pkgerrors.ErrConversationNotFound) {
		return nil, false, err
	}

	conversation := &domain.Conversation{
		ID:        uuid.New(),
		Type:      domain.ConversationTypeDirect,
		CreatedBy: actor.ID,
		DirectKey: &key,
		IsActive:  true,
	}

	created, err := s.conversationRepo.Create(ctx, conversation, []uuid.UUID{actor.ID, otherUserID})
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Кто-то успел создать раньше, перечитываем его запись
		existing, err := s.conversationRepo.GetByDirectKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &actor.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &conversation.ID,
		EventType:      domain.EventTypeConversationCreated,
		Payload:        map[string]interface{}{"type": domain.ConversationTypeDirect, "with": otherUserID.String()},
	})

	s.announceConversation(ctx, conversation, nil, actor.ID)

	return conversation, true, nil
}

// CreateGroup создает групповую беседу. Создатель всегда входит в состав,
// итоговый состав не меньше двух человек.
func (s *conversationService) CreateGroup(ctx context.Context, creator *domain.User, title string, memberIDs []uuid.UUID) (*domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("group title is required: %w", pkgerrors.ErrValidationFailure)
	}
	if utf8.RuneCountInString(title) > maxGroupTitleLength {
		return nil, fmt.Errorf("group title is too long (max %d characters): %w", maxGroupTitleLength, pkgerrors.ErrValidationFailure)
	}

	memberSet := map[uuid.UUID]struct{}{creator.ID: {}}
	for _, id := range memberIDs {
		if id == uuid.Nil {
			return nil, fmt.Errorf("invalid member id: %w", pkgerrors.ErrValidationFailure)
		}
		memberSet[id] = struct{}{}
	}
	if len(memberSet) < minGroupMembers {
		return nil, fmt.Errorf("group conversation requires at least %d members: %w", minGroupMembers, pkgerrors.ErrValidationFailure)
	}

	others := make([]uuid.UUID, 0, len(memberSet)-1)
	for id := range memberSet {
		if id != creator.ID {
			others = append(others, id)
		}
	}

	users, err := s.userRepo.GetByIDs(ctx, others)
	if err != nil {
		return nil, err
	}
	if len(users) != len(others) {
		return nil, fmt.Errorf("some members do not exist: %w", pkgerrors.ErrNotFound)
	}
	for _, u := range users {
		if !u.IsActive {
			return nil, fmt.Errorf("user %s is deactivated: %w", u.DisplayName, pkgerrors.ErrValidationFailure)
		}
	}

	conversation := &domain.Conversation{
		ID:        uuid.New(),
		Type:      domain.ConversationTypeGroup,
		Title:     &title,
		CreatedBy: creator.ID,
		IsActive:  true,
	}

	members := make([]uuid.UUID, 0, len(memberSet))
	for id := range memberSet {
		members = append(members, id)
	}

	if _, err := s.conversationRepo.Create(ctx, conversation, members); err != nil {
		return nil, err
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &creator.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &conversation.ID,
		EventType:      domain.EventTypeConversationCreated,
		Payload:        map[string]interface{}{"type": domain.ConversationTypeGroup, "title": title, "members": len(members)},
	})

	notification := &domain.Notification{
		Type:           domain.NotificationTypeMemberAdded,
		ConversationID: conversation.ID,
		SenderID:       creator.ID,
		SenderName:     creator.DisplayName,
		Preview:        title,
		CreatedAt:      time.Now(),
	}
	s.announceConversation(ctx, conversation, notification, creator.ID)

	return conversation, nil
}

func (s *conversationService) GetByID(ctx context.Context, conversationID, requesterID uuid.UUID) (*domain.Conversation, error) {
	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
	}

	return conversation, nil
}

func (s *conversationService) List(ctx context.Context, userID uuid.UUID, typeFilter, search string, page, pageSize int) ([]*domain.Conversation, error) {
	if typeFilter != "" && typeFilter != domain.ConversationTypeDirect && typeFilter != domain.ConversationTypeGroup {
		return nil, fmt.Errorf("unknown conversation type %q: %w", typeFilter, pkgerrors.ErrValidationFailure)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultConversationPageSize
	}
	if pageSize > maxConversationPageSize {
		pageSize = maxConversationPageSize
	}

	filter := repository.ConversationFilter{
		Type:   typeFilter,
		Search: strings.TrimSpace(search),
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	return s.conversationRepo.ListByUser(ctx, userID, filter)
}

// Deactivate закрывает беседу: история остается читаемой, новые сообщения
// не принимаются. Диалог может закрыть любой его участник, группу -
// создатель или роль с правом управления группами.
func (s *conversationService) Deactivate(ctx context.Context, conversationID uuid.UUID, actor *domain.User) error {
	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.IsActive {
		return nil
	}

	if conversation.Type == domain.ConversationTypeDirect {
		isMember, err := s.conversationRepo.IsMember(ctx, conversationID, actor.ID)
		if err != nil {
			return err
		}
		if !isMember {
			return fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember)
		}
	} else if actor.ID != conversation.CreatedBy && !s.policy.Allows(actor.Role, domain.CapabilityManageGroup) {
		return fmt.Errorf("only the conversation creator or a privileged role can close it: %w", pkgerrors.ErrAuthorizationDenied)
	}

	if err := s.conversationRepo.Deactivate(ctx, conversationID); err != nil {
		return err
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &actor.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &conversationID,
		EventType:      domain.EventTypeConversationClosed,
		Payload:        map[string]interface{}{"type": conversation.Type},
	})

	event, err := ws.NewEvent(ws.EventConversationClosed, ws.ConversationClosedPayload{
		ConversationID: conversationID,
		ClosedBy:       actor.ID,
	})
	if err != nil {
		s.log.Error("Failed to encode conversation event", "error", err)
		return nil
	}

	memberIDs, err := s.conversationRepo.GetMemberIDs(ctx, conversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", conversationID, "error", err)
		return nil
	}
	s.broadcaster.DispatchTransient(memberIDs, ws.EventConversationClosed, event)

	return nil
}

// AddMember добавляет сотрудника в групповую беседу. Менять состав может
// создатель беседы либо роль с правом управления группами.
func (s *conversationService) AddMember(ctx context.Context, conversationID uuid.UUID, actor *domain.User, targetID uuid.UUID) error {
	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conversation.Type != domain.ConversationTypeGroup {
		return fmt.Errorf("members can only be managed in group conversations: %w", pkgerrors.ErrValidationFailure)
	}

	if actor.ID != conversation.CreatedBy && !s.policy.Allows(actor.Role, domain.CapabilityManageGroup) {
		return fmt.Errorf("only the conversation creator or a privileged role can manage members: %w", pkgerrors.ErrAuthorizationDenied)
	}

	target, err := s.userRepo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	if !target.IsActive {
		return fmt.Errorf("user account is deactivated: %w", pkgerrors.ErrValidationFailure)
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, targetID)
	if err != nil {
		return err
	}
	if isMember {
		// Повторное добавление не считаем ошибкой
		return nil
	}

	if err := s.conversationRepo.AddMember(ctx, conversationID, targetID, &actor.ID); err != nil {
		return err
	}

	// Системное сообщение добавляем после вставки участника, чтобы новичок
	// видел его в своей истории
	body := fmt.Sprintf("%s added %s to the conversation", actor.DisplayName, target.DisplayName)
	if _, err := s.messages.AppendSystem(ctx, conversationID, body); err != nil {
		s.log.Error("Failed to append system message", "conversation_id", conversationID, "error", err)
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &actor.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &conversationID,
		EventType:      domain.EventTypeMemberAdded,
		Payload:        map[string]interface{}{"member_id": targetID.String()},
	})

	event, err := ws.NewEvent(ws.EventMemberAdded, ws.MemberPayload{
		ConversationID: conversationID,
		UserID:         target.ID,
		DisplayName:    target.DisplayName,
		ActorID:        actor.ID,
	})
	if err != nil {
		s.log.Error("Failed to encode member event", "error", err)
		return nil
	}

	memberships, err := s.conversationRepo.GetMemberIDs(ctx, conversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", conversationID, "error", err)
		return nil
	}

	notification := &domain.Notification{
		Type:           domain.NotificationTypeMemberAdded,
		ConversationID: conversationID,
		SenderID:       actor.ID,
		SenderName:     actor.DisplayName,
		Preview:        conversationTitle(conversation),
		CreatedAt:      time.Now(),
	}
	s.broadcaster.DispatchEvent(ctx, memberships, ws.EventMemberAdded, event, nil, target.ID)
	s.broadcaster.DispatchEvent(ctx, []uuid.UUID{target.ID}, ws.EventMemberAdded, event, notification)

	return nil
}

// RemoveMember исключает сотрудника из группы. Помимо создателя и
// привилегированных ролей разрешен самостоятельный выход.
func (s *conversationService) RemoveMember(ctx context.Context, conversationID uuid.UUID, actor *domain.User, targetID uuid.UUID) error {
	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conversation.Type != domain.ConversationTypeGroup {
		return fmt.Errorf("members can only be managed in group conversations: %w", pkgerrors.ErrValidationFailure)
	}

	selfLeave := actor.ID == targetID
	if !selfLeave && actor.ID != conversation.CreatedBy && !s.policy.Allows(actor.Role, domain.CapabilityManageGroup) {
		return fmt.Errorf("only the conversation creator or a privileged role can manage members: %w", pkgerrors.ErrAuthorizationDenied)
	}

	isMember, err := s.conversationRepo.IsMember(ctx, conversationID, targetID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("membership not found: %w", pkgerrors.ErrNotFound)
	}

	target, err := s.userRepo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}

	if err := s.conversationRepo.RemoveMember(ctx, conversationID, targetID); err != nil {
		return err
	}

	body := fmt.Sprintf("%s removed %s from the conversation", actor.DisplayName, target.DisplayName)
	if selfLeave {
		body = fmt.Sprintf("%s left the conversation", target.DisplayName)
	}
	if _, err := s.messages.AppendSystem(ctx, conversationID, body); err != nil {
		s.log.Error("Failed to append system message", "conversation_id", conversationID, "error", err)
	}

	// Аудит
	s.auditRepo.CreateLog(ctx, &domain.AuditLog{
		EventTime:      time.Now(),
		ActorUserID:    &actor.ID,
		ActorRole:      domain.ActorRoleUser,
		ConversationID: &conversationID,
		EventType:      domain.EventTypeMemberRemoved,
		Payload:        map[string]interface{}{"member_id": targetID.String(), "self_leave": selfLeave},
	})

	event, err := ws.NewEvent(ws.EventMemberRemoved, ws.MemberPayload{
		ConversationID: conversationID,
		UserID:         targetID,
		DisplayName:    target.DisplayName,
		ActorID:        actor.ID,
	})
	if err != nil {
		s.log.Error("Failed to encode member event", "error", err)
		return nil
	}

	remaining, err := s.conversationRepo.GetMemberIDs(ctx, conversationID)
	if err != nil {
		s.log.Error("Failed to load member ids", "conversation_id", conversationID, "error", err)
		return nil
	}

	s.broadcaster.DispatchEvent(ctx, remaining, ws.EventMemberRemoved, event, nil)
	// Исключенному сообщаем только если он сейчас подключен
	s.broadcaster.DispatchTransient([]uuid.UUID{targetID}, ws.EventMemberRemoved, event)

	return nil
}

func (s *conversationService) GetMembers(ctx context.Context, conversationID, requesterID uuid.UUID) ([]*domain.ConversationMember, error) {
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

	return s.conversationRepo.GetMembers(ctx, conversationID)
}

func (s *conversationService) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	return s.conversationRepo.IsMember(ctx, conversationID, userID)
}

// announceConversation рассылает событие о новой беседе всем участникам.
// Уведомление (если задано) получают все офлайновые участники, кроме инициатора.
func (s *conversationService) announceConversation(ctx context.Context, conversation *domain.Conversation, notification *domain.Notification, initiatorID uuid.UUID) {
	members, err := s.conversationRepo.GetMembers(ctx, conversation.ID)
	if err != nil {
		s.log.Error("Failed to load members", "conversation_id", conversation.ID, "error", err)
		return
	}

	event, err := ws.NewEvent(ws.EventConversationNew, ws.ConversationNewPayload{
		Conversation: conversation,
		Members:      members,
	})
	if err != nil {
		s.log.Error("Failed to encode conversation event", "error", err)
		return
	}

	memberIDs := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if m.UserID != initiatorID {
			memberIDs = append(memberIDs, m.UserID)
		}
	}

	s.broadcaster.DispatchEvent(ctx, memberIDs, ws.EventConversationNew, event, notification)
	s.broadcaster.DispatchEvent(ctx, []uuid.UUID{initiatorID}, ws.EventConversationNew, event, nil)
}

func conversationTitle(c *domain.Conversation) string {
	if c.Title != nil {
		return *c.Title
	}
	return ""
}
