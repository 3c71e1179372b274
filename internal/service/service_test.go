package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	"crm_messenger/internal/testutil"
	"crm_messenger/pkg/logger"
)

// testEnv собирает сервисный слой поверх фейковых хранилищ
type testEnv struct {
	store       *testutil.Store
	broadcaster *testutil.CapturingBroadcaster
	services    *Services
}

func newTestEnv() *testEnv {
	store := testutil.NewStore()
	broadcaster := &testutil.CapturingBroadcaster{}

	repos := &repository.Repositories{
		User:         store.Users,
		Conversation: store.Conversations,
		Message:      store.Messages,
		ReadReceipt:  store.Receipts,
		Notification: store.Notifications,
		Audit:        store.Audit,
		RateLimit:    store.RateLimits,
	}

	cfg := &config.Config{
		Chat: config.ChatConfig{HistoryPageSize: 50},
		JWT:  config.JWTConfig{Secret: "test-secret", AccessTTL: time.Hour},
	}
	policy := domain.NewRolePolicy(
		[]string{domain.RoleAdmin, domain.RoleOwner},
		[]string{domain.RoleAdmin, domain.RoleOwner},
	)

	return &testEnv{
		store:       store,
		broadcaster: broadcaster,
		services:    NewServices(repos, broadcaster, policy, cfg, logger.NewNop()),
	}
}

// directConversation заводит личный диалог и сбрасывает записанные рассылки,
// чтобы тест видел только свои события
func (e *testEnv) directConversation(t *testing.T, a, b *domain.User) *domain.Conversation {
	t.Helper()
	conversation, _, err := e.services.Conversation.FindOrCreateDirect(context.Background(), a, b.ID)
	if err != nil {
		t.Fatalf("failed to create direct conversation: %v", err)
	}
	e.broadcaster.Reset()
	return conversation
}

func (e *testEnv) groupConversation(t *testing.T, creator *domain.User, title string, members ...*domain.User) *domain.Conversation {
	t.Helper()
	memberIDs := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.ID)
	}
	conversation, err := e.services.Conversation.CreateGroup(context.Background(), creator, title, memberIDs)
	if err != nil {
		t.Fatalf("failed to create group conversation: %v", err)
	}
	e.broadcaster.Reset()
	return conversation
}

func (e *testEnv) sendText(t *testing.T, sender *domain.User, conversationID uuid.UUID, content string) *domain.Message {
	t.Helper()
	message, err := e.services.Message.SendMessage(context.Background(), sender, conversationID, content, domain.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
	return message
}
