package service

import (
	"sync"

	"github.com/google/uuid"
)

// conversationLocks - мьютексы по беседам. Запись в хранилище и рассылка
// держатся под одним замком, поэтому порядок доставки любых событий беседы
// (сообщения, правки, удаления, отметки о прочтении) совпадает с порядком
// коммита. Замки разных бесед независимы.
type conversationLocks struct {
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{}
}

func (l *conversationLocks) Get(conversationID uuid.UUID) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
