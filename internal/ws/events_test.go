package ws

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewEventEnvelope(t *testing.T) {
	conversationID := uuid.New()
	data, err := NewEvent(EventJoined, JoinedPayload{ConversationID: conversationID})
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if event.Type != EventJoined {
		t.Fatalf("expected type %s, got %s", EventJoined, event.Type)
	}

	var payload JoinedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload.ConversationID != conversationID {
		t.Fatal("payload lost the conversation id")
	}
}

func TestNewEventRejectsUnmarshalablePayload(t *testing.T) {
	if _, err := NewEvent(EventError, make(chan int)); err == nil {
		t.Fatal("expected an encoding error for a channel payload")
	}
}
