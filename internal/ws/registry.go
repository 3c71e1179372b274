package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/metrics"
	"crm_messenger/pkg/logger"
)

// Registry отслеживает живые подключения по сотрудникам. Записи независимы,
// у каждой свой мьютекс: операции над разными сотрудниками не конкурируют,
// операции над одним строго сериализованы.
type Registry struct {
	entries sync.Map // uuid.UUID -> *registryEntry
	log     logger.Logger
}

type registryEntry struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	away     bool
	lastSeen time.Time
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{log: log}
}

// Register добавляет подключение; true - сотрудник перешёл в онлайн
func (r *Registry) Register(c *Client) bool {
	value, _ := r.entries.LoadOrStore(c.UserID, &registryEntry{clients: make(map[*Client]struct{})})
	entry := value.(*registryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	wasOffline := len(entry.clients) == 0
	entry.clients[c] = struct{}{}
	if wasOffline {
		entry.away = false
		metrics.IdentitiesOnline.Inc()
	}
	metrics.ConnectionsActive.Inc()

	return wasOffline
}

// Unregister убирает подключение; true - живых подключений не осталось.
// Повторный вызов для того же подключения безвреден.
func (r *Registry) Unregister(c *Client) bool {
	value, ok := r.entries.Load(c.UserID)
	if !ok {
		return false
	}
	entry := value.(*registryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, ok := entry.clients[c]; !ok {
		return false
	}
	delete(entry.clients, c)
	metrics.ConnectionsActive.Dec()

	if len(entry.clients) == 0 {
		entry.lastSeen = time.Now()
		entry.away = false
		metrics.IdentitiesOnline.Dec()
		return true
	}

	return false
}

// Deliver кладёт событие во все подключения сотрудника; false - живых
// подключений нет. Подключение с переполненным буфером закрывается:
// зависший клиент не должен тормозить остальных.
func (r *Registry) Deliver(userID uuid.UUID, eventType string, data []byte) bool {
	value, ok := r.entries.Load(userID)
	if !ok {
		return false
	}
	entry := value.(*registryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.clients) == 0 {
		return false
	}

	for client := range entry.clients {
		if client.Send(data) {
			metrics.EventsDelivered.WithLabelValues(eventType).Inc()
		} else {
			r.log.Warn("Send buffer overflow, closing connection", "user_id", userID, "event_type", eventType)
			metrics.EventsDropped.WithLabelValues(eventType).Inc()
			go client.Close()
		}
	}

	return true
}

// BroadcastAll рассылает событие всем подключённым сотрудникам, кроме exclude
func (r *Registry) BroadcastAll(eventType string, data []byte, exclude uuid.UUID) {
	r.entries.Range(func(key, value interface{}) bool {
		userID := key.(uuid.UUID)
		if userID == exclude {
			return true
		}
		r.Deliver(userID, eventType, data)
		return true
	})
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	value, ok := r.entries.Load(userID)
	if !ok {
		return false
	}
	entry := value.(*registryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return len(entry.clients) > 0
}

// SetAway переключает ручной статус "отошёл"; true - статус изменился
func (r *Registry) SetAway(userID uuid.UUID, away bool) bool {
	value, ok := r.entries.Load(userID)
	if !ok {
		return false
	}
	entry := value.(*registryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.clients) == 0 || entry.away == away {
		return false
	}
	entry.away = away

	return true
}

func (r *Registry) Presence(userID uuid.UUID) *domain.Presence {
	presence := &domain.Presence{UserID: userID, Status: domain.PresenceOffline}

	value, ok := r.entries.Load(userID)
	if !ok {
		return presence
	}
	entry := value.(*registryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch {
	case len(entry.clients) == 0:
		if !entry.lastSeen.IsZero() {
			lastSeen := entry.lastSeen
			presence.LastSeenAt = &lastSeen
		}
	case entry.away:
		presence.Status = domain.PresenceAway
	default:
		presence.Status = domain.PresenceOnline
	}

	return presence
}

// CloseAll закрывает все живые подключения. Вызывается на остановке сервиса,
// чтобы клиенты получили close frame, а не обрыв TCP.
func (r *Registry) CloseAll() {
	r.entries.Range(func(_, value interface{}) bool {
		entry := value.(*registryEntry)

		entry.mu.Lock()
		clients := make([]*Client, 0, len(entry.clients))
		for client := range entry.clients {
			clients = append(clients, client)
		}
		entry.mu.Unlock()

		for _, client := range clients {
			client.Close()
		}
		return true
	})
}
