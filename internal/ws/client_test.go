package ws

import (
	"testing"

	"github.com/google/uuid"
)

func TestClientRoomsTrackJoinAndLeave(t *testing.T) {
	client := testClient(testUser("alice"), 4)
	conversationID := uuid.New()

	if client.InRoom(conversationID) {
		t.Fatal("new connection must not be subscribed to anything")
	}

	client.JoinRoom(conversationID)
	if !client.InRoom(conversationID) {
		t.Fatal("connection must report the joined conversation")
	}
	if client.InRoom(uuid.New()) {
		t.Fatal("unrelated conversation must not be reported as joined")
	}

	client.LeaveRoom(conversationID)
	if client.InRoom(conversationID) {
		t.Fatal("left conversation must not be reported as joined")
	}
}

func TestClientSendReportsFullBuffer(t *testing.T) {
	client := testClient(testUser("bob"), 1)

	if !client.Send([]byte(`{"type":"a"}`)) {
		t.Fatal("send into an empty buffer must succeed")
	}
	if client.Send([]byte(`{"type":"b"}`)) {
		t.Fatal("send into a full buffer must report failure, not block")
	}
}

func TestClientSendAfterCloseFails(t *testing.T) {
	client := testClient(testUser("carol"), 4)
	client.Close()

	if client.Send([]byte(`{"type":"a"}`)) {
		t.Fatal("send on a closed connection must fail")
	}
}
