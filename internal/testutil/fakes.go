// Package testutil содержит фейки хранилищ для тестов: та же семантика,
// что у Postgres/Redis-репозиториев, но в памяти и без внешних процессов.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	pkgerrors "crm_messenger/pkg/errors"
)

const summarySnippetLength = 140

// Store связывает фейки между собой: сообщения обновляют сниппет беседы,
// квитанции смотрят в сообщения и в состав бесед.
type Store struct {
	Users         *FakeUserRepo
	Conversations *FakeConversationRepo
	Messages      *FakeMessageRepo
	Receipts      *FakeReceiptRepo
	Notifications *FakeNotificationQueue
	Audit         *FakeAuditRepo
	RateLimits    *FakeRateLimitRepo
}

func NewStore() *Store {
	users := &FakeUserRepo{users: make(map[uuid.UUID]*domain.User)}
	conversations := &FakeConversationRepo{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		members:       make(map[uuid.UUID][]*domain.ConversationMember),
		users:         users,
	}
	messages := &FakeMessageRepo{conversations: conversations}
	conversations.messages = messages
	receipts := &FakeReceiptRepo{
		receipts:      make(map[int64]map[uuid.UUID]time.Time),
		messages:      messages,
		conversations: conversations,
	}

	return &Store{
		Users:         users,
		Conversations: conversations,
		Messages:      messages,
		Receipts:      receipts,
		Notifications: &FakeNotificationQueue{queues: make(map[uuid.UUID][]*domain.Notification), limit: 500},
		Audit:         &FakeAuditRepo{},
		RateLimits:    NewFakeRateLimitRepo(),
	}
}

// AddUser регистрирует активного сотрудника и возвращает его профиль
func (s *Store) AddUser(displayName, role string) *domain.User {
	user := &domain.User{
		ID:          uuid.New(),
		Email:       strings.ToLower(displayName) + "@crm.test",
		DisplayName: displayName,
		Role:        role,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.Users.Add(user)
	return user
}

// FakeUserRepo - справочник сотрудников в памяти

type FakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*domain.User
}

func (f *FakeUserRepo) Add(user *domain.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *user
	f.users[user.ID] = &copied
}

func (f *FakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *FakeUserRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var users []*domain.User
	for _, id := range ids {
		if user, ok := f.users[id]; ok {
			copied := *user
			users = append(users, &copied)
		}
	}
	return users, nil
}

// FakeConversationRepo повторяет семантику направляющего индекса direct_key:
// второй Create той же активной пары возвращает false без ошибки.

type FakeConversationRepo struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
	members       map[uuid.UUID][]*domain.ConversationMember
	users         *FakeUserRepo
	messages      *FakeMessageRepo
}

func (f *FakeConversationRepo) Create(ctx context.Context, conversation *domain.Conversation, memberIDs []uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if conversation.DirectKey != nil {
		for _, existing := range f.conversations {
			if existing.IsActive && existing.DirectKey != nil && *existing.DirectKey == *conversation.DirectKey {
				return false, nil
			}
		}
	}

	now := time.Now()
	conversation.CreatedAt = now
	conversation.UpdatedAt = now

	copied := *conversation
	f.conversations[conversation.ID] = &copied

	for _, memberID := range memberIDs {
		var addedBy *uuid.UUID
		if memberID != conversation.CreatedBy {
			creator := conversation.CreatedBy
			addedBy = &creator
		}
		f.members[conversation.ID] = append(f.members[conversation.ID], &domain.ConversationMember{
			ConversationID: conversation.ID,
			UserID:         memberID,
			DisplayName:    f.displayName(memberID),
			AddedBy:        addedBy,
			JoinedAt:       now,
		})
	}

	return true, nil
}

func (f *FakeConversationRepo) displayName(userID uuid.UUID) string {
	if f.users == nil {
		return ""
	}
	f.users.mu.Lock()
	defer f.users.mu.Unlock()
	if user, ok := f.users.users[userID]; ok {
		return user.DisplayName
	}
	return ""
}

func (f *FakeConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conversation, ok := f.conversations[id]
	if !ok {
		return nil, pkgerrors.ErrConversationNotFound
	}
	copied := *conversation
	return &copied, nil
}

func (f *FakeConversationRepo) GetByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, conversation := range f.conversations {
		if conversation.IsActive && conversation.DirectKey != nil && *conversation.DirectKey == key {
			copied := *conversation
			return &copied, nil
		}
	}
	return nil, pkgerrors.ErrConversationNotFound
}

func (f *FakeConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID, filter repository.ConversationFilter) ([]*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []*domain.Conversation
	for id, conversation := range f.conversations {
		if !conversation.IsActive || !f.isMemberLocked(id, userID) {
			continue
		}
		if filter.Type != "" && conversation.Type != filter.Type {
			continue
		}
		if filter.Search != "" && !f.matchesSearchLocked(conversation, userID, filter.Search) {
			continue
		}
		copied := *conversation
		matched = append(matched, &copied)
	}

	sort.Slice(matched, func(i, j int) bool {
		return lastActivity(matched[i]).After(lastActivity(matched[j]))
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func lastActivity(c *domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (f *FakeConversationRepo) matchesSearchLocked(conversation *domain.Conversation, userID uuid.UUID, search string) bool {
	needle := strings.ToLower(search)
	if conversation.Title != nil && strings.Contains(strings.ToLower(*conversation.Title), needle) {
		return true
	}
	for _, member := range f.members[conversation.ID] {
		if member.UserID == userID {
			continue
		}
		if strings.Contains(strings.ToLower(member.DisplayName), needle) {
			return true
		}
	}
	return false
}

func (f *FakeConversationRepo) AddMember(ctx context.Context, conversationID, userID uuid.UUID, addedBy *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isMemberLocked(conversationID, userID) {
		return nil
	}
	f.members[conversationID] = append(f.members[conversationID], &domain.ConversationMember{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    f.displayName(userID),
		AddedBy:        addedBy,
		JoinedAt:       time.Now(),
	})
	return nil
}

func (f *FakeConversationRepo) RemoveMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	members := f.members[conversationID]
	for i, member := range members {
		if member.UserID == userID {
			f.members[conversationID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeConversationRepo) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isMemberLocked(conversationID, userID), nil
}

func (f *FakeConversationRepo) isMemberLocked(conversationID, userID uuid.UUID) bool {
	for _, member := range f.members[conversationID] {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

func (f *FakeConversationRepo) GetMembers(ctx context.Context, conversationID uuid.UUID) ([]*domain.ConversationMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members := make([]*domain.ConversationMember, 0, len(f.members[conversationID]))
	for _, member := range f.members[conversationID] {
		copied := *member
		members = append(members, &copied)
	}
	return members, nil
}

func (f *FakeConversationRepo) GetMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(f.members[conversationID]))
	for _, member := range f.members[conversationID] {
		ids = append(ids, member.UserID)
	}
	return ids, nil
}

func (f *FakeConversationRepo) RefreshSummary(ctx context.Context, conversationID uuid.UUID) error {
	f.mu.Lock()
	conversation, ok := f.conversations[conversationID]
	f.mu.Unlock()
	if !ok || f.messages == nil {
		return nil
	}

	last := f.messages.lastLive(conversationID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if last == nil {
		conversation.LastMessageContent = nil
		conversation.LastMessageAt = nil
		conversation.LastMessageSenderID = nil
		return nil
	}
	snippet := snippetOf(last.Content)
	createdAt := last.CreatedAt
	conversation.LastMessageContent = &snippet
	conversation.LastMessageAt = &createdAt
	conversation.LastMessageSenderID = last.SenderID
	return nil
}

func (f *FakeConversationRepo) Deactivate(ctx context.Context, conversationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	conversation, ok := f.conversations[conversationID]
	if !ok {
		return pkgerrors.ErrConversationNotFound
	}
	conversation.IsActive = false
	conversation.UpdatedAt = time.Now()
	return nil
}

func snippetOf(content string) string {
	runes := []rune(content)
	if len(runes) <= summarySnippetLength {
		return content
	}
	return string(runes[:summarySnippetLength])
}

// FakeMessageRepo выдаёт id последовательно, как BIGSERIAL, и держит
// надгробия удалённых сообщений вне выборок.

type storedMessage struct {
	message   domain.Message
	deletedAt *time.Time
	deletedBy *uuid.UUID
}

type FakeMessageRepo struct {
	mu            sync.Mutex
	seq           int64
	messages      []*storedMessage
	conversations *FakeConversationRepo
}

func (f *FakeMessageRepo) Create(ctx context.Context, message *domain.Message) error {
	f.mu.Lock()
	f.seq++
	message.ID = f.seq
	message.CreatedAt = time.Now()
	copied := *message
	f.messages = append(f.messages, &storedMessage{message: copied})
	f.mu.Unlock()

	if f.conversations != nil {
		f.conversations.mu.Lock()
		if conversation, ok := f.conversations.conversations[message.ConversationID]; ok {
			snippet := snippetOf(message.Content)
			createdAt := message.CreatedAt
			conversation.LastMessageContent = &snippet
			conversation.LastMessageAt = &createdAt
			conversation.LastMessageSenderID = message.SenderID
			conversation.UpdatedAt = createdAt
		}
		f.conversations.mu.Unlock()
	}
	return nil
}

func (f *FakeMessageRepo) GetByID(ctx context.Context, messageID int64) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := f.findLocked(messageID)
	if stored == nil {
		return nil, pkgerrors.ErrMessageNotFound
	}
	copied := stored.message
	return &copied, nil
}

func (f *FakeMessageRepo) findLocked(messageID int64) *storedMessage {
	for _, stored := range f.messages {
		if stored.message.ID == messageID && stored.deletedAt == nil {
			return stored
		}
	}
	return nil
}

func (f *FakeMessageRepo) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// От новых к старым: id растёт в порядке вставки
	var page []*domain.Message
	skipped := 0
	for i := len(f.messages) - 1; i >= 0; i-- {
		stored := f.messages[i]
		if stored.message.ConversationID != conversationID || stored.deletedAt != nil {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		copied := stored.message
		page = append(page, &copied)
		if limit > 0 && len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *FakeMessageRepo) Update(ctx context.Context, message *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := f.findLocked(message.ID)
	if stored == nil {
		return pkgerrors.ErrMessageNotFound
	}
	now := time.Now()
	stored.message.Content = message.Content
	stored.message.IsEdited = true
	stored.message.EditedAt = &now
	message.IsEdited = true
	message.EditedAt = &now
	return nil
}

func (f *FakeMessageRepo) Delete(ctx context.Context, messageID int64, deletedBy uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := f.findLocked(messageID)
	if stored == nil {
		return pkgerrors.ErrMessageNotFound
	}
	now := time.Now()
	stored.deletedAt = &now
	stored.deletedBy = &deletedBy
	return nil
}

func (f *FakeMessageRepo) lastLive(conversationID uuid.UUID) *domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.messages) - 1; i >= 0; i-- {
		stored := f.messages[i]
		if stored.message.ConversationID == conversationID && stored.deletedAt == nil {
			copied := stored.message
			return &copied
		}
	}
	return nil
}

// FakeReceiptRepo хранит отметки о прочтении. Как и в SQL-версии, собственные
// сообщения не отмечаются, надгробия не считаются.

type FakeReceiptRepo struct {
	mu            sync.Mutex
	receipts      map[int64]map[uuid.UUID]time.Time
	messages      *FakeMessageRepo
	conversations *FakeConversationRepo
}

func (f *FakeReceiptRepo) MarkRead(ctx context.Context, messageID int64, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markLocked(messageID, userID), nil
}

func (f *FakeReceiptRepo) markLocked(messageID int64, userID uuid.UUID) bool {
	readers, ok := f.receipts[messageID]
	if !ok {
		readers = make(map[uuid.UUID]time.Time)
		f.receipts[messageID] = readers
	}
	if _, exists := readers[userID]; exists {
		return false
	}
	readers[userID] = time.Now()
	return true
}

func (f *FakeReceiptRepo) MarkUnread(ctx context.Context, messageID int64, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if readers, ok := f.receipts[messageID]; ok {
		delete(readers, userID)
	}
	return nil
}

func (f *FakeReceiptRepo) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	wanted := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	return f.markEligible(conversationID, userID, func(id int64) bool {
		_, ok := wanted[id]
		return ok
	}), nil
}

func (f *FakeReceiptRepo) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]int64, error) {
	return f.markEligible(conversationID, userID, func(int64) bool { return true }), nil
}

func (f *FakeReceiptRepo) markEligible(conversationID uuid.UUID, userID uuid.UUID, include func(int64) bool) []int64 {
	f.messages.mu.Lock()
	var candidates []int64
	for _, stored := range f.messages.messages {
		m := stored.message
		if m.ConversationID != conversationID || stored.deletedAt != nil || !include(m.ID) {
			continue
		}
		if m.SenderID != nil && *m.SenderID == userID {
			continue
		}
		candidates = append(candidates, m.ID)
	}
	f.messages.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	var marked []int64
	for _, id := range candidates {
		if f.markLocked(id, userID) {
			marked = append(marked, id)
		}
	}
	return marked
}

func (f *FakeReceiptRepo) GetReaders(ctx context.Context, messageID int64) ([]*domain.ReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var receipts []*domain.ReadReceipt
	for userID, readAt := range f.receipts[messageID] {
		receipts = append(receipts, &domain.ReadReceipt{
			MessageID: messageID,
			UserID:    userID,
			ReadAt:    readAt,
		})
	}
	sort.Slice(receipts, func(i, j int) bool {
		if receipts[i].ReadAt.Equal(receipts[j].ReadAt) {
			return receipts[i].UserID.String() < receipts[j].UserID.String()
		}
		return receipts[i].ReadAt.Before(receipts[j].ReadAt)
	})
	return receipts, nil
}

func (f *FakeReceiptRepo) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	f.messages.mu.Lock()
	var candidates []int64
	for _, stored := range f.messages.messages {
		m := stored.message
		if m.ConversationID != conversationID || stored.deletedAt != nil {
			continue
		}
		if m.MessageType == domain.MessageTypeSystem || m.SenderID == nil || *m.SenderID == userID {
			continue
		}
		candidates = append(candidates, m.ID)
	}
	f.messages.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, id := range candidates {
		if _, read := f.receipts[id][userID]; !read {
			count++
		}
	}
	return count, nil
}

func (f *FakeReceiptRepo) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	f.conversations.mu.Lock()
	var conversationIDs []uuid.UUID
	for id := range f.conversations.conversations {
		if f.conversations.isMemberLocked(id, userID) {
			conversationIDs = append(conversationIDs, id)
		}
	}
	f.conversations.mu.Unlock()

	counts := make(map[uuid.UUID]int)
	for _, conversationID := range conversationIDs {
		count, err := f.UnreadCount(context.Background(), conversationID, userID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			counts[conversationID] = count
		}
	}
	return counts, nil
}

// FakeNotificationQueue - усечённая очередь уведомлений, как Redis sorted set

type FakeNotificationQueue struct {
	mu     sync.Mutex
	queues map[uuid.UUID][]*domain.Notification
	limit  int
}

func (f *FakeNotificationQueue) Enqueue(ctx context.Context, userID uuid.UUID, notification *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := *notification
	queue := append(f.queues[userID], &copied)
	if len(queue) > f.limit {
		queue = queue[len(queue)-f.limit:]
	}
	f.queues[userID] = queue
	return nil
}

func (f *FakeNotificationQueue) Drain(ctx context.Context, userID uuid.UUID) ([]*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue := f.queues[userID]
	delete(f.queues, userID)
	return queue, nil
}

func (f *FakeNotificationQueue) Peek(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue := f.queues[userID]
	if limit > 0 && len(queue) > limit {
		queue = queue[:limit]
	}
	out := make([]*domain.Notification, len(queue))
	copy(out, queue)
	return out, nil
}

func (f *FakeNotificationQueue) Clear(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, userID)
	return nil
}

func (f *FakeNotificationQueue) Count(ctx context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queues[userID])), nil
}

// FakeAuditRepo копит записи журнала в памяти

type FakeAuditRepo struct {
	mu   sync.Mutex
	seq  int64
	Logs []*domain.AuditLog
}

func (f *FakeAuditRepo) CreateLog(ctx context.Context, auditLog *domain.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	auditLog.ID = f.seq
	copied := *auditLog
	f.Logs = append(f.Logs, &copied)
	return nil
}

// EventTypes возвращает типы записанных событий в порядке записи
func (f *FakeAuditRepo) EventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	types := make([]string, 0, len(f.Logs))
	for _, entry := range f.Logs {
		types = append(types, entry.EventType)
	}
	return types
}

// FakeRateLimitRepo - счётчики без окон: для тестов истечение не нужно

type FakeRateLimitRepo struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewFakeRateLimitRepo() *FakeRateLimitRepo {
	return &FakeRateLimitRepo{counts: make(map[string]int64)}
}

func (f *FakeRateLimitRepo) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key] < int64(limit), nil
}

func (f *FakeRateLimitRepo) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

// TotalIncrements суммирует счётчики по всем ключам
func (f *FakeRateLimitRepo) TotalIncrements() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, count := range f.counts {
		total += count
	}
	return total
}
