package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
)

// cachedConversationRepository держит горячий кэш составов бесед поверх
// базового репозитория. Состав нужен на каждую рассылку и каждую проверку
// членства, ходить за ним в базу на каждый кадр слишком дорого.
//
// Записи независимы (sync.Map по id беседы), общего замка нет: трафик разных
// бесед друг друга не тормозит. Любая смена состава сбрасывает запись,
// остальное доезжает по TTL.
type cachedConversationRepository struct {
	ConversationRepository
	ttl     time.Duration
	entries sync.Map // uuid.UUID -> *memberCacheEntry
}

type memberCacheEntry struct {
	mu        sync.Mutex
	memberIDs []uuid.UUID
	expiresAt time.Time
}

// NewCachedConversationRepository оборачивает репозиторий бесед кэшем составов.
// ttl <= 0 выключает кэширование.
func NewCachedConversationRepository(inner ConversationRepository, ttl time.Duration) ConversationRepository {
	if ttl <= 0 {
		return inner
	}
	return &cachedConversationRepository{
		ConversationRepository: inner,
		ttl:                    ttl,
	}
}

func (r *cachedConversationRepository) memberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	value, _ := r.entries.LoadOrStore(conversationID, &memberCacheEntry{})
	entry := value.(*memberCacheEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.memberIDs != nil && time.Now().Before(entry.expiresAt) {
		ids := make([]uuid.UUID, len(entry.memberIDs))
		copy(ids, entry.memberIDs)
		return ids, nil
	}

	ids, err := r.ConversationRepository.GetMemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	entry.memberIDs = ids
	entry.expiresAt = time.Now().Add(r.ttl)

	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	return out, nil
}

func (r *cachedConversationRepository) invalidate(conversationID uuid.UUID) {
	r.entries.Delete(conversationID)
}

func (r *cachedConversationRepository) GetMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return r.memberIDs(ctx, conversationID)
}

func (r *cachedConversationRepository) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	ids, err := r.memberIDs(ctx, conversationID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *cachedConversationRepository) Create(ctx context.Context, conversation *domain.Conversation, memberIDs []uuid.UUID) (bool, error) {
	created, err := r.ConversationRepository.Create(ctx, conversation, memberIDs)
	if created {
		// Запись могла закэшироваться пустой между INSERT и первым чтением
		r.invalidate(conversation.ID)
	}
	return created, err
}

func (r *cachedConversationRepository) AddMember(ctx context.Context, conversationID, userID uuid.UUID, addedBy *uuid.UUID) error {
	err := r.ConversationRepository.AddMember(ctx, conversationID, userID, addedBy)
	if err == nil {
		r.invalidate(conversationID)
	}
	return err
}

func (r *cachedConversationRepository) RemoveMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	err := r.ConversationRepository.RemoveMember(ctx, conversationID, userID)
	if err == nil {
		r.invalidate(conversationID)
	}
	return err
}
