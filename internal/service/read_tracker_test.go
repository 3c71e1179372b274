package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
)

func TestMarkReadIsMonotonic(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)
	ctx := context.Background()

	message := env.sendText(t, alice, conversation.ID, "read me")
	env.broadcaster.Reset()

	if err := env.services.ReadTracker.MarkRead(ctx, bob, message.ID); err != nil {
		t.Fatalf("first mark failed: %v", err)
	}

	readers, err := env.services.ReadTracker.GetReaders(ctx, alice.ID, message.ID)
	if err != nil {
		t.Fatalf("failed to load readers: %v", err)
	}
	if len(readers) != 1 || readers[0].UserID != bob.ID {
		t.Fatalf("expected a single receipt from the reader, got %+v", readers)
	}
	firstReadAt := readers[0].ReadAt

	// Повторная отметка не двигает время и не шлет событий
	time.Sleep(5 * time.Millisecond)
	if err := env.services.ReadTracker.MarkRead(ctx, bob, message.ID); err != nil {
		t.Fatalf("repeated mark failed: %v", err)
	}

	readers, _ = env.services.ReadTracker.GetReaders(ctx, alice.ID, message.ID)
	if len(readers) != 1 {
		t.Fatalf("repeated mark must not add receipts, got %d", len(readers))
	}
	if !readers[0].ReadAt.Equal(firstReadAt) {
		t.Fatal("repeated mark must keep the original read time")
	}

	events := env.broadcaster.OfType(ws.EventMessagesRead)
	if len(events) != 1 {
		t.Fatalf("expected exactly one read fan-out, got %d", len(events))
	}
	if !events[0].Transient {
		t.Fatal("read fan-out must be transient")
	}
}

func TestMarkReadOwnMessageIsNoop(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)
	ctx := context.Background()

	message := env.sendText(t, alice, conversation.ID, "mine")
	env.broadcaster.Reset()

	if err := env.services.ReadTracker.MarkRead(ctx, alice, message.ID); err != nil {
		t.Fatalf("marking own message must be a silent no-op: %v", err)
	}

	readers, _ := env.services.ReadTracker.GetReaders(ctx, alice.ID, message.ID)
	if len(readers) != 0 {
		t.Fatalf("own message must not collect receipts, got %d", len(readers))
	}
	if len(env.broadcaster.OfType(ws.EventMessagesRead)) != 0 {
		t.Fatal("no fan-out expected for an own-message mark")
	}
}

func TestMarkReadGuards(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	mallory := env.store.AddUser("Mallory", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)
	ctx := context.Background()

	message := env.sendText(t, alice, conversation.ID, "private")

	if err := env.services.ReadTracker.MarkRead(ctx, mallory, message.ID); !errors.Is(err, pkgerrors.ErrNotMember) {
		t.Fatalf("outsider must not mark messages, got %v", err)
	}
	if err := env.services.ReadTracker.MarkRead(ctx, bob, message.ID+100); !errors.Is(err, pkgerrors.ErrMessageNotFound) {
		t.Fatalf("unknown message must fail, got %v", err)
	}
}

func TestMarkUnreadRestoresCounter(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)
	ctx := context.Background()

	message := env.sendText(t, alice, conversation.ID, "look here")

	if err := env.services.ReadTracker.MarkRead(ctx, bob, message.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	count, err := env.services.ReadTracker.UnreadCount(ctx, bob.ID, conversation.ID)
	if err != nil {
		t.Fatalf("failed to count unread: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero unread after reading, got %d", count)
	}

	env.broadcaster.Reset()
	if err := env.services.ReadTracker.MarkUnread(ctx, bob, message.ID); err != nil {
		t.Fatalf("unmark failed: %v", err)
	}
	count, _ = env.services.ReadTracker.UnreadCount(ctx, bob.ID, conversation.ID)
	if count != 1 {
		t.Fatalf("expected the message back in unread, got %d", count)
	}

	// Снятие отметки - личное дело читателя
	if len(env.broadcaster.All()) != 0 {
		t.Fatal("mark-unread must not fan out")
	}
}

func TestMarkConversationRead(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		env.sendText(t, alice, conversation.ID, text)
	}
	env.broadcaster.Reset()

	marked, err := env.services.ReadTracker.MarkConversationRead(ctx, bob, conversation.ID)
	if err != nil {
		t.Fatalf("failed to mark conversation: %v", err)
	}
	if len(marked) != 3 {
		t.Fatalf("expected three fresh receipts, got %d", len(marked))
	}

	count, _ := env.services.ReadTracker.UnreadCount(ctx, bob.ID, conversation.ID)
	if count != 0 {
		t.Fatalf("expected zero unread after catch-up, got %d", count)
	}

	// Повторный вызов ничего не находит и ничего не шлет
	marked, err = env.services.ReadTracker.MarkConversationRead(ctx, bob, conversation.ID)
	if err != nil {
		t.Fatalf("repeated catch-up failed: %v", err)
	}
	if len(marked) != 0 {
		t.Fatalf("repeated catch-up must find nothing, got %d", len(marked))
	}
	if len(env.broadcaster.OfType(ws.EventMessagesRead)) != 1 {
		t.Fatal("only the first catch-up may fan out")
	}
}

func TestMarkMessagesReadScopesToConversation(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	first := env.directConversation(t, alice, bob)
	second := env.groupConversation(t, alice, "Side", bob)
	ctx := context.Background()

	a := env.sendText(t, alice, first.ID, "a")
	b := env.sendText(t, alice, first.ID, "b")
	foreign := env.sendText(t, alice, second.ID, "elsewhere")
	env.broadcaster.Reset()

	// Чужие и несуществующие id молча пропускаются
	marked, err := env.services.ReadTracker.MarkMessagesRead(ctx, bob, first.ID, []int64{a.ID, foreign.ID, a.ID + 1000})
	if err != nil {
		t.Fatalf("failed to mark messages: %v", err)
	}
	if len(marked) != 1 || marked[0] != a.ID {
		t.Fatalf("only own-conversation ids must be marked, got %v", marked)
	}

	count, _ := env.services.ReadTracker.UnreadCount(ctx, bob.ID, first.ID)
	if count != 1 {
		t.Fatalf("message %d must stay unread, got count %d", b.ID, count)
	}

	foreignCount, _ := env.services.ReadTracker.UnreadCount(ctx, bob.ID, second.ID)
	if foreignCount != 1 {
		t.Fatalf("foreign conversation must be untouched, got count %d", foreignCount)
	}
}

func TestUnreadCountSkipsSystemOwnAndDeleted(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)
	ctx := context.Background()

	env.sendText(t, bob, conversation.ID, "own message")
	kept := env.sendText(t, alice, conversation.ID, "kept")
	dropped := env.sendText(t, alice, conversation.ID, "dropped")
	if _, err := env.services.Message.AppendSystem(ctx, conversation.ID, "system notice"); err != nil {
		t.Fatalf("failed to append system message: %v", err)
	}
	if err := env.services.Message.DeleteMessage(ctx, alice, dropped.ID); err != nil {
		t.Fatalf("failed to delete message: %v", err)
	}

	count, err := env.services.ReadTracker.UnreadCount(ctx, bob.ID, conversation.ID)
	if err != nil {
		t.Fatalf("failed to count unread: %v", err)
	}
	if count != 1 {
		t.Fatalf("only %q must count as unread, got %d", kept.Content, count)
	}

	if _, err := env.services.ReadTracker.UnreadCount(ctx, uuid.New(), conversation.ID); !errors.Is(err, pkgerrors.ErrNotMember) {
		t.Fatalf("outsider must not query counters, got %v", err)
	}
}

func TestUnreadCountsAcrossConversations(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	carol := env.store.AddUser("Carol", domain.RoleAgent)
	first := env.directConversation(t, alice, bob)
	second := env.groupConversation(t, alice, "Deal", bob, carol)
	third := env.directConversation(t, bob, carol)
	ctx := context.Background()

	env.sendText(t, alice, first.ID, "one")
	env.sendText(t, alice, second.ID, "two")
	env.sendText(t, alice, second.ID, "three")
	// В третьей беседе Боб только пишет, непрочитанного у него там нет
	env.sendText(t, bob, third.ID, "note to carol")

	counts, err := env.services.ReadTracker.UnreadCounts(ctx, bob.ID)
	if err != nil {
		t.Fatalf("failed to load counters: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected counters for two conversations, got %v", counts)
	}
	if counts[first.ID] != 1 || counts[second.ID] != 2 {
		t.Fatalf("unexpected counters: %v", counts)
	}
	if _, ok := counts[third.ID]; ok {
		t.Fatal("conversations without unread messages must be omitted")
	}
}

func TestGetReadersRequiresMembership(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)
	bob := env.store.AddUser("Bob", domain.RoleAgent)
	mallory := env.store.AddUser("Mallory", domain.RoleAgent)
	conversation := env.directConversation(t, alice, bob)

	message := env.sendText(t, alice, conversation.ID, "secret")

	if _, err := env.services.ReadTracker.GetReaders(context.Background(), mallory.ID, message.ID); !errors.Is(err, pkgerrors.ErrNotMember) {
		t.Fatalf("outsider must not list readers, got %v", err)
	}
}
