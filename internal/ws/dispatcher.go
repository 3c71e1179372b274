package ws

import (
	"context"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/metrics"
	"crm_messenger/pkg/logger"
)

// NotificationQueue - очередь офлайн-уведомлений
type NotificationQueue interface {
	Enqueue(ctx context.Context, userID uuid.UUID, notification *domain.Notification) error
	Drain(ctx context.Context, userID uuid.UUID) ([]*domain.Notification, error)
}

// Dispatcher раскладывает события беседы по получателям: живые подключения
// получают событие сразу, офлайн-получателям встаёт уведомление в очередь.
type Dispatcher struct {
	registry      *Registry
	notifications NotificationQueue
	log           logger.Logger
}

func NewDispatcher(registry *Registry, notifications NotificationQueue, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		notifications: notifications,
		log:           log,
	}
}

// DispatchEvent доставляет событие участникам беседы. Для офлайн-получателей
// ставится уведомление, если оно передано. Неудача с одним получателем не
// прерывает доставку остальным.
func (d *Dispatcher) DispatchEvent(ctx context.Context, memberIDs []uuid.UUID, eventType string, event []byte, notification *domain.Notification, exclude ...uuid.UUID) {
	for _, memberID := range memberIDs {
		if containsID(exclude, memberID) {
			continue
		}

		if d.registry.Deliver(memberID, eventType, event) {
			continue
		}

		if notification == nil {
			continue
		}
		if err := d.notifications.Enqueue(ctx, memberID, notification); err != nil {
			// Уведомление теряется, сообщение остаётся в истории
			d.log.Warn("Failed to queue notification", "error", err, "user_id", memberID)
			continue
		}
		metrics.NotificationsQueued.Inc()
	}
}

// DispatchTransient доставляет событие только живым подключениям.
// Индикатор печати и прочая эфемерика не попадают ни в очередь, ни в историю.
func (d *Dispatcher) DispatchTransient(memberIDs []uuid.UUID, eventType string, event []byte, exclude ...uuid.UUID) {
	for _, memberID := range memberIDs {
		if containsID(exclude, memberID) {
			continue
		}
		d.registry.Deliver(memberID, eventType, event)
	}
}

// FlushNotifications отдаёт накопленные офлайн-уведомления свежему подключению
func (d *Dispatcher) FlushNotifications(ctx context.Context, client *Client) {
	notifications, err := d.notifications.Drain(ctx, client.UserID)
	if err != nil {
		d.log.Error("Failed to drain notifications", "error", err, "user_id", client.UserID)
		return
	}

	for _, notification := range notifications {
		event, err := NewEvent(EventNotification, notification)
		if err != nil {
			continue
		}
		if client.Send(event) {
			metrics.NotificationsFlushed.Inc()
		}
	}
}

// BroadcastPresence рассылает смену статуса всем подключённым, кроме самого
// сотрудника
func (d *Dispatcher) BroadcastPresence(presence *domain.Presence) {
	event, err := NewEvent(EventPresenceChanged, presence)
	if err != nil {
		return
	}
	d.registry.BroadcastAll(EventPresenceChanged, event, presence.UserID)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
