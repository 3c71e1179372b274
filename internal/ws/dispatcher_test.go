package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/pkg/logger"
)

type memoryQueue struct {
	mu     sync.Mutex
	queues map[uuid.UUID][]*domain.Notification
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{queues: make(map[uuid.UUID][]*domain.Notification)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, userID uuid.UUID, notification *domain.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[userID] = append(q.queues[userID], notification)
	return nil
}

func (q *memoryQueue) Drain(ctx context.Context, userID uuid.UUID) ([]*domain.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[userID]
	delete(q.queues, userID)
	return queue, nil
}

func (q *memoryQueue) size(userID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID])
}

func testNotification(conversationID uuid.UUID) *domain.Notification {
	return &domain.Notification{
		Type:           domain.NotificationTypeMessage,
		ConversationID: conversationID,
		SenderID:       uuid.New(),
		SenderName:     "alice",
		Preview:        "hello",
		CreatedAt:      time.Now(),
	}
}

func TestDispatchEventDeliversToConnected(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	queue := newMemoryQueue()
	dispatcher := NewDispatcher(registry, queue, logger.NewNop())

	user := testUser("alice")
	client := testClient(user, 4)
	registry.Register(client)

	event := []byte(`{"type":"new_message"}`)
	dispatcher.DispatchEvent(context.Background(), []uuid.UUID{user.ID}, EventNewMessage, event, testNotification(uuid.New()))

	if string(receive(t, client)) != string(event) {
		t.Fatal("connected user did not receive the event")
	}
	if queue.size(user.ID) != 0 {
		t.Fatal("no notification must be queued for an online user")
	}
}

func TestDispatchEventQueuesNotificationForOffline(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	queue := newMemoryQueue()
	dispatcher := NewDispatcher(registry, queue, logger.NewNop())

	offline := uuid.New()
	dispatcher.DispatchEvent(context.Background(), []uuid.UUID{offline}, EventNewMessage, []byte("{}"), testNotification(uuid.New()))

	if queue.size(offline) != 1 {
		t.Fatalf("offline user must get a queued notification, queue size = %d", queue.size(offline))
	}
}

func TestDispatchEventWithoutNotificationSkipsQueue(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	queue := newMemoryQueue()
	dispatcher := NewDispatcher(registry, queue, logger.NewNop())

	offline := uuid.New()
	dispatcher.DispatchEvent(context.Background(), []uuid.UUID{offline}, EventMessageEdited, []byte("{}"), nil)

	if queue.size(offline) != 0 {
		t.Fatal("nil notification must not be queued")
	}
}

func TestDispatchEventSkipsExcluded(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	queue := newMemoryQueue()
	dispatcher := NewDispatcher(registry, queue, logger.NewNop())

	alice := testUser("alice")
	bob := testUser("bob")
	aliceClient := testClient(alice, 4)
	bobClient := testClient(bob, 4)
	registry.Register(aliceClient)
	registry.Register(bobClient)

	members := []uuid.UUID{alice.ID, bob.ID}
	dispatcher.DispatchEvent(context.Background(), members, EventNewMessage, []byte("{}"), testNotification(uuid.New()), alice.ID)

	assertNoEvent(t, aliceClient)
	receive(t, bobClient)
	if queue.size(alice.ID) != 0 {
		t.Fatal("excluded member must not get a queued notification either")
	}
}

func TestDispatchTransientIgnoresOffline(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	queue := newMemoryQueue()
	dispatcher := NewDispatcher(registry, queue, logger.NewNop())

	online := testUser("alice")
	client := testClient(online, 4)
	registry.Register(client)
	offline := uuid.New()

	dispatcher.DispatchTransient([]uuid.UUID{online.ID, offline}, EventUserTyping, []byte("typing"))

	if string(receive(t, client)) != "typing" {
		t.Fatal("online user did not receive the transient event")
	}
	if queue.size(offline) != 0 {
		t.Fatal("transient events must never be queued")
	}
}

func TestFlushNotificationsDrainsQueue(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	queue := newMemoryQueue()
	dispatcher := NewDispatcher(registry, queue, logger.NewNop())

	user := testUser("alice")
	conversationID := uuid.New()
	queue.Enqueue(context.Background(), user.ID, testNotification(conversationID))
	queue.Enqueue(context.Background(), user.ID, testNotification(conversationID))

	client := testClient(user, 8)
	registry.Register(client)
	dispatcher.FlushNotifications(context.Background(), client)

	for i := 0; i < 2; i++ {
		var event Event
		if err := json.Unmarshal(receive(t, client), &event); err != nil {
			t.Fatalf("flushed notification is not a valid event: %v", err)
		}
		if event.Type != EventNotification {
			t.Fatalf("expected %s event, got %s", EventNotification, event.Type)
		}
	}
	assertNoEvent(t, client)

	if queue.size(user.ID) != 0 {
		t.Fatal("flush must drain the queue")
	}
}

func TestBroadcastPresenceSkipsSubject(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	dispatcher := NewDispatcher(registry, newMemoryQueue(), logger.NewNop())

	alice := testUser("alice")
	bob := testUser("bob")
	aliceClient := testClient(alice, 4)
	bobClient := testClient(bob, 4)
	registry.Register(aliceClient)
	registry.Register(bobClient)

	dispatcher.BroadcastPresence(&domain.Presence{UserID: alice.ID, Status: domain.PresenceOnline})

	assertNoEvent(t, aliceClient)

	var event Event
	if err := json.Unmarshal(receive(t, bobClient), &event); err != nil {
		t.Fatalf("presence event is not valid JSON: %v", err)
	}
	if event.Type != EventPresenceChanged {
		t.Fatalf("expected %s, got %s", EventPresenceChanged, event.Type)
	}

	var presence domain.Presence
	if err := json.Unmarshal(event.Payload, &presence); err != nil {
		t.Fatalf("presence payload is not valid: %v", err)
	}
	if presence.UserID != alice.ID || presence.Status != domain.PresenceOnline {
		t.Fatalf("unexpected presence payload: %+v", presence)
	}
}
