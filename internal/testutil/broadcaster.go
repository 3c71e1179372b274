package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
)

// Dispatch - одна записанная рассылка
type Dispatch struct {
	EventType    string
	Event        []byte
	MemberIDs    []uuid.UUID
	Notification *domain.Notification
	Exclude      []uuid.UUID
	Transient    bool
}

// CapturingBroadcaster записывает рассылки вместо доставки.
// Подставляется сервисам на место ws.Dispatcher.
type CapturingBroadcaster struct {
	mu         sync.Mutex
	dispatches []Dispatch
}

func (b *CapturingBroadcaster) DispatchEvent(ctx context.Context, memberIDs []uuid.UUID, eventType string, event []byte, notification *domain.Notification, exclude ...uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatches = append(b.dispatches, Dispatch{
		EventType:    eventType,
		Event:        event,
		MemberIDs:    append([]uuid.UUID(nil), memberIDs...),
		Notification: notification,
		Exclude:      append([]uuid.UUID(nil), exclude...),
	})
}

func (b *CapturingBroadcaster) DispatchTransient(memberIDs []uuid.UUID, eventType string, event []byte, exclude ...uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatches = append(b.dispatches, Dispatch{
		EventType: eventType,
		Event:     event,
		MemberIDs: append([]uuid.UUID(nil), memberIDs...),
		Exclude:   append([]uuid.UUID(nil), exclude...),
		Transient: true,
	})
}

// All возвращает снимок всех рассылок в порядке вызова
func (b *CapturingBroadcaster) All() []Dispatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Dispatch, len(b.dispatches))
	copy(out, b.dispatches)
	return out
}

// OfType отбирает рассылки одного типа события
func (b *CapturingBroadcaster) OfType(eventType string) []Dispatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Dispatch
	for _, d := range b.dispatches {
		if d.EventType == eventType {
			out = append(out, d)
		}
	}
	return out
}

func (b *CapturingBroadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatches = nil
}
