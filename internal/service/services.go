package service

import (
	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	"crm_messenger/pkg/logger"
)

type Services struct {
	Auth         AuthService
	Conversation ConversationService
	Message      MessageService
	ReadTracker  ReadTrackerService
	Notification NotificationService
	RateLimit    RateLimitService
	Audit        AuditService
}

func NewServices(repos *repository.Repositories, broadcaster Broadcaster, policy *domain.RolePolicy, cfg *config.Config, log logger.Logger) *Services {
	// Общие замки бесед: сообщения и отметки о прочтении сериализуются
	// одним набором мьютексов
	locks := newConversationLocks()
	messages := NewMessageService(repos.Message, repos.Conversation, repos.Audit, broadcaster, policy, locks, cfg.Chat, log)

	return &Services{
		Auth:         NewAuthService(repos.User, cfg.JWT, log),
		Conversation: NewConversationService(repos.Conversation, repos.User, repos.Audit, messages, broadcaster, policy, log),
		Message:      messages,
		ReadTracker:  NewReadTrackerService(repos.ReadReceipt, repos.Message, repos.Conversation, broadcaster, locks, log),
		Notification: NewNotificationService(repos.Notification, log),
		RateLimit:    NewRateLimitService(repos.RateLimit, log),
		Audit:        NewAuditService(repos.Audit, log),
	}
}
