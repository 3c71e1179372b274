package service

import (
	"context"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	"crm_messenger/pkg/logger"
)

// NotificationService отдаёт REST-клиентам очередь офлайн-уведомлений.
// Доставку на живые подключения делает Dispatcher, здесь только просмотр
// и подтверждение.
type NotificationService interface {
	List(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error)
	Clear(ctx context.Context, userID uuid.UUID) error
	Count(ctx context.Context, userID uuid.UUID) (int64, error)
}

type notificationService struct {
	notificationRepo repository.NotificationRepository
	log              logger.Logger
}

func NewNotificationService(notificationRepo repository.NotificationRepository, log logger.Logger) NotificationService {
	return &notificationService{
		notificationRepo: notificationRepo,
		log:              log,
	}
}

func (s *notificationService) List(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error) {
	return s.notificationRepo.Peek(ctx, userID, limit)
}

func (s *notificationService) Clear(ctx context.Context, userID uuid.UUID) error {
	return s.notificationRepo.Clear(ctx, userID)
}

func (s *notificationService) Count(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.notificationRepo.Count(ctx, userID)
}
