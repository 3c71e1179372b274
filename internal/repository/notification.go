package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crm_messenger/internal/domain"
	"crm_messenger/pkg/logger"
)

const (
	// Префикс ключей Redis
	NotifyKeyPrefix = "chat:notify:%s"

	DefaultNotifyQueueLimit = 500
	DefaultNotifyTTL        = 7 * 24 * time.Hour
)

// NotificationRepository хранит офлайн-уведомления в Redis: sorted set на
// получателя, score - время в миллисекундах. Очередь усечённая и сгорающая,
// гарантий доставки нет.
type NotificationRepository interface {
	Enqueue(ctx context.Context, userID uuid.UUID, notification *domain.Notification) error
	Drain(ctx context.Context, userID uuid.UUID) ([]*domain.Notification, error)
	Peek(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error)
	Clear(ctx context.Context, userID uuid.UUID) error
	Count(ctx context.Context, userID uuid.UUID) (int64, error)
}

type notificationRepository struct {
	rdb        *redis.Client
	queueLimit int
	ttl        time.Duration
	log        logger.Logger
}

func NewNotificationRepository(rdb *redis.Client, queueLimit int, ttl time.Duration, log logger.Logger) NotificationRepository {
	if queueLimit <= 0 {
		queueLimit = DefaultNotifyQueueLimit
	}
	if ttl <= 0 {
		ttl = DefaultNotifyTTL
	}
	return &notificationRepository{
		rdb:        rdb,
		queueLimit: queueLimit,
		ttl:        ttl,
		log:        log,
	}
}

func (r *notificationRepository) getNotifyKey(userID uuid.UUID) string {
	return fmt.Sprintf(NotifyKeyPrefix, userID.String())
}

func (r *notificationRepository) Enqueue(ctx context.Context, userID uuid.UUID, notification *domain.Notification) error {
	key := r.getNotifyKey(userID)

	notificationJSON, err := json.Marshal(notification)
	if err != nil {
		r.log.Error("Failed to marshal notification", "error", err)
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// Timestamp в миллисекундах как score для сортировки
	score := float64(notification.CreatedAt.UnixMilli())

	err = r.rdb.ZAdd(ctx, key, redis.Z{
		Score:  score,
		Member: notificationJSON,
	}).Err()
	if err != nil {
		r.log.Error("Failed to enqueue notification", "error", err, "user_id", userID)
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	// Усекаем очередь: старые уведомления вытесняются новыми
	err = r.rdb.ZRemRangeByRank(ctx, key, 0, int64(-r.queueLimit-1)).Err()
	if err != nil {
		r.log.Warn("Failed to trim notification queue", "error", err, "user_id", userID)
	}

	err = r.rdb.Expire(ctx, key, r.ttl).Err()
	if err != nil {
		r.log.Warn("Failed to set TTL on notification key", "error", err)
		// Не критичная ошибка, продолжаем
	}

	return nil
}

// Drain забирает накопленные уведомления от старых к новым и чистит очередь.
// Между чтением и удалением возможна потеря свежей записи: очередь
// best-effort по контракту, повторная доставка не обещана.
func (r *notificationRepository) Drain(ctx context.Context, userID uuid.UUID) ([]*domain.Notification, error) {
	key := r.getNotifyKey(userID)

	notificationsJSON, err := r.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []*domain.Notification{}, nil
		}
		r.log.Error("Failed to read notification queue", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	if len(notificationsJSON) == 0 {
		return []*domain.Notification{}, nil
	}

	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.log.Warn("Failed to clear notification queue", "error", err, "user_id", userID)
	}

	notifications := make([]*domain.Notification, 0, len(notificationsJSON))
	for _, notifJSON := range notificationsJSON {
		var notification domain.Notification
		if err := json.Unmarshal([]byte(notifJSON), &notification); err != nil {
			r.log.Warn("Failed to unmarshal notification", "error", err)
			continue
		}
		notifications = append(notifications, &notification)
	}

	return notifications, nil
}

// Peek читает очередь без очистки, от старых к новым. limit <= 0 - всё.
func (r *notificationRepository) Peek(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error) {
	key := r.getNotifyKey(userID)

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	notificationsJSON, err := r.rdb.ZRange(ctx, key, 0, stop).Result()
	if err != nil {
		if err == redis.Nil {
			return []*domain.Notification{}, nil
		}
		r.log.Error("Failed to peek notification queue", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	notifications := make([]*domain.Notification, 0, len(notificationsJSON))
	for _, notifJSON := range notificationsJSON {
		var notification domain.Notification
		if err := json.Unmarshal([]byte(notifJSON), &notification); err != nil {
			r.log.Warn("Failed to unmarshal notification", "error", err)
			continue
		}
		notifications = append(notifications, &notification)
	}

	return notifications, nil
}

func (r *notificationRepository) Clear(ctx context.Context, userID uuid.UUID) error {
	key := r.getNotifyKey(userID)

	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.log.Error("Failed to clear notification queue", "error", err, "user_id", userID)
		return err
	}

	return nil
}

func (r *notificationRepository) Count(ctx context.Context, userID uuid.UUID) (int64, error) {
	key := r.getNotifyKey(userID)

	count, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		r.log.Error("Failed to count notifications", "error", err, "user_id", userID)
		return 0, err
	}

	return count, nil
}
