package service

import (
	"context"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
)

// Broadcaster доставляет события живым соединениям участников.
// Интерфейс объявлен на стороне потребителя, чтобы сервисы не зависели
// от транспортного пакета. Реализацию отдает ws.Dispatcher.
type Broadcaster interface {
	// DispatchEvent шлет событие каждому участнику. Для офлайновых
	// кладет notification (если он задан) в очередь уведомлений.
	DispatchEvent(ctx context.Context, memberIDs []uuid.UUID, eventType string, event []byte, notification *domain.Notification, exclude ...uuid.UUID)
	// DispatchTransient шлет событие только тем, кто онлайн.
	// Ничего не сохраняется и не откладывается.
	DispatchTransient(memberIDs []uuid.UUID, eventType string, event []byte, exclude ...uuid.UUID)
}
