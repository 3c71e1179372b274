package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crm_messenger/internal/domain"
	"crm_messenger/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024

	DefaultSendBufferSize = 256
)

// Client - одно живое WebSocket-подключение сотрудника. У сотрудника может
// быть несколько подключений (вкладки браузера, мобильный клиент), каждое
// живёт своим экземпляром.
type Client struct {
	UserID      uuid.UUID
	DisplayName string
	Role        string

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	receive func(client *Client, data []byte)
	log     logger.Logger

	// Беседы, открытые этим подключением через join_conversation.
	// Состояние живёт ровно столько, сколько само подключение.
	roomsMu sync.Mutex
	rooms   map[uuid.UUID]struct{}

	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, user *domain.User, bufferSize int, receive func(*Client, []byte), log logger.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBufferSize
	}
	return &Client{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		conn:        conn,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		receive:     receive,
		log:         log,
		rooms:       make(map[uuid.UUID]struct{}),
	}
}

// JoinRoom запоминает беседу за подключением. Авторизацию делает вызывающий.
func (c *Client) JoinRoom(conversationID uuid.UUID) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	c.rooms[conversationID] = struct{}{}
}

func (c *Client) LeaveRoom(conversationID uuid.UUID) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	delete(c.rooms, conversationID)
}

func (c *Client) InRoom(conversationID uuid.UUID) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// Run запускает насосы чтения и записи; блокируется до разрыва соединения
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Unexpected connection close", "user_id", c.UserID, "error", err)
			}
			return
		}
		if c.receive != nil {
			c.receive(c, data)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Send кладёт событие в буфер подключения без блокировки.
// false - подключение закрыто либо буфер переполнен: клиент не вычитывает события.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
