package ws

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/pkg/logger"
)

// testClient создаёт подключение без сокета. Run не вызывается, события
// читаются напрямую из буфера отправки.
func testClient(user *domain.User, bufferSize int) *Client {
	return NewClient(nil, user, bufferSize, nil, logger.NewNop())
}

func testUser(name string) *domain.User {
	return &domain.User{ID: uuid.New(), DisplayName: name, Role: domain.RoleAgent, IsActive: true}
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	default:
		t.Fatal("expected an event in the send buffer")
		return nil
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestRegisterReportsOnlineTransition(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("alice")

	first := testClient(user, 4)
	if !registry.Register(first) {
		t.Fatal("first connection must report the online transition")
	}

	second := testClient(user, 4)
	if registry.Register(second) {
		t.Fatal("second connection of the same user must not report a transition")
	}

	if !registry.IsOnline(user.ID) {
		t.Fatal("user with live connections must be online")
	}
}

func TestUnregisterReportsOfflineOnLastConnection(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("alice")

	first := testClient(user, 4)
	second := testClient(user, 4)
	registry.Register(first)
	registry.Register(second)

	if registry.Unregister(first) {
		t.Fatal("offline must not be reported while another connection is alive")
	}
	if !registry.Unregister(second) {
		t.Fatal("last connection must report the offline transition")
	}
	if registry.IsOnline(user.ID) {
		t.Fatal("user without connections must be offline")
	}

	// Повторный Unregister того же подключения безвреден
	if registry.Unregister(second) {
		t.Fatal("duplicate unregister must be a no-op")
	}
}

func TestDeliverFansOutToAllConnections(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("alice")

	first := testClient(user, 4)
	second := testClient(user, 4)
	registry.Register(first)
	registry.Register(second)

	if !registry.Deliver(user.ID, "new_message", []byte(`{"type":"new_message"}`)) {
		t.Fatal("delivery to an online user must succeed")
	}

	if string(receive(t, first)) != `{"type":"new_message"}` {
		t.Fatal("first connection did not receive the event")
	}
	if string(receive(t, second)) != `{"type":"new_message"}` {
		t.Fatal("second connection did not receive the event")
	}
}

func TestDeliverToOfflineUserReturnsFalse(t *testing.T) {
	registry := NewRegistry(logger.NewNop())

	if registry.Deliver(uuid.New(), "new_message", []byte("{}")) {
		t.Fatal("delivery to an unknown user must report offline")
	}
}

func TestDeliverClosesLaggingConnection(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("laggard")

	client := testClient(user, 1)
	registry.Register(client)

	registry.Deliver(user.ID, "new_message", []byte("first"))
	// Буфер полон: второе событие должно закрыть отстающее подключение
	registry.Deliver(user.ID, "new_message", []byte("second"))

	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("lagging connection was not closed")
	}
}

func TestSetAwayTogglesPresence(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("alice")

	if registry.SetAway(user.ID, true) {
		t.Fatal("away must not toggle for an offline user")
	}

	client := testClient(user, 4)
	registry.Register(client)

	if registry.Presence(user.ID).Status != domain.PresenceOnline {
		t.Fatal("freshly connected user must be online")
	}

	if !registry.SetAway(user.ID, true) {
		t.Fatal("first away toggle must report a change")
	}
	if registry.SetAway(user.ID, true) {
		t.Fatal("repeated away toggle must not report a change")
	}
	if registry.Presence(user.ID).Status != domain.PresenceAway {
		t.Fatal("user must be away after the toggle")
	}

	if !registry.SetAway(user.ID, false) {
		t.Fatal("toggling back to online must report a change")
	}
	if registry.Presence(user.ID).Status != domain.PresenceOnline {
		t.Fatal("user must be online after the second toggle")
	}
}

func TestPresenceOfflineKeepsLastSeen(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("alice")

	presence := registry.Presence(user.ID)
	if presence.Status != domain.PresenceOffline || presence.LastSeenAt != nil {
		t.Fatalf("never-seen user must be offline without last_seen, got %+v", presence)
	}

	client := testClient(user, 4)
	registry.Register(client)
	registry.Unregister(client)

	presence = registry.Presence(user.ID)
	if presence.Status != domain.PresenceOffline {
		t.Fatalf("disconnected user must be offline, got %s", presence.Status)
	}
	if presence.LastSeenAt == nil {
		t.Fatal("disconnected user must carry last_seen")
	}
}

func TestReconnectClearsAwayFlag(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	user := testUser("alice")

	client := testClient(user, 4)
	registry.Register(client)
	registry.SetAway(user.ID, true)
	registry.Unregister(client)

	fresh := testClient(user, 4)
	registry.Register(fresh)

	if registry.Presence(user.ID).Status != domain.PresenceOnline {
		t.Fatal("reconnect must reset the away flag")
	}
}

func TestBroadcastAllSkipsExcluded(t *testing.T) {
	registry := NewRegistry(logger.NewNop())
	alice := testUser("alice")
	bob := testUser("bob")

	aliceClient := testClient(alice, 4)
	bobClient := testClient(bob, 4)
	registry.Register(aliceClient)
	registry.Register(bobClient)

	registry.BroadcastAll("presence_changed", []byte("ping"), alice.ID)

	assertNoEvent(t, aliceClient)
	if string(receive(t, bobClient)) != "ping" {
		t.Fatal("bob did not receive the broadcast")
	}
}
