package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"crm_messenger/internal/config"
	"crm_messenger/pkg/logger"
)

type Repositories struct {
	User         UserRepository
	Conversation ConversationRepository
	Message      MessageRepository
	ReadReceipt  ReadReceiptRepository
	Notification NotificationRepository
	Audit        AuditRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, chatCfg config.ChatConfig, log logger.Logger) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db, log),
		Conversation: NewCachedConversationRepository(NewConversationRepository(db, log), chatCfg.MemberCacheTTL),
		Message:      NewMessageRepository(db, log),
		ReadReceipt:  NewReadReceiptRepository(db, log),
		Notification: NewNotificationRepository(redis, chatCfg.NotifyQueueLimit, chatCfg.NotifyTTL, log),
		Audit:        NewAuditRepository(db, log),
		RateLimit:    NewRateLimitRepository(redis, log),
	}
}
