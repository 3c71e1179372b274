package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/middleware"
	"crm_messenger/internal/repository"
	"crm_messenger/internal/service"
	"crm_messenger/internal/testutil"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/jwt"
	"crm_messenger/pkg/logger"
)

const testSecret = "integration-secret"

// chatStack поднимает весь сервис поверх фейковых хранилищ: реальный роутер,
// реальный реестр подключений, реальный WebSocket.
type chatStack struct {
	store    *testutil.Store
	registry *ws.Registry
	server   *httptest.Server
}

func newChatStack(t *testing.T) *chatStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := testutil.NewStore()
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
		Chat: config.ChatConfig{
			HistoryPageSize: 50,
			SendBufferSize:  32,
		},
		JWT:       config.JWTConfig{Secret: testSecret, AccessTTL: time.Hour},
		RateLimit: config.RateLimitConfig{Enabled: false},
	}

	log := logger.NewNop()
	policy := domain.NewRolePolicy(
		[]string{domain.RoleAdmin, domain.RoleOwner},
		[]string{domain.RoleAdmin, domain.RoleOwner},
	)

	registry := ws.NewRegistry(log)
	dispatcher := ws.NewDispatcher(registry, store.Notifications, log)
	services := service.NewServices(repos, dispatcher, policy, cfg, log)

	authMiddleware := middleware.NewAuthMiddleware(services.Auth, log)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.RateLimit, log)
	handlers := NewHandlers(services, registry, dispatcher, cfg, log)

	router := gin.New()
	router.GET("/ws/chat", handlers.WebSocket.HandleChat)

	protected := router.Group("/api/v1")
	protected.Use(authMiddleware.RequireAuth())
	{
		conversations := protected.Group("/conversations")
		{
			conversations.POST("", rateLimitMiddleware.Limit(), handlers.Conversation.Create)
			conversations.GET("", handlers.Conversation.List)
			conversations.GET("/:id", handlers.Conversation.GetByID)
			conversations.DELETE("/:id", handlers.Conversation.Deactivate)
			conversations.GET("/:id/messages", handlers.Message.GetHistory)
			conversations.POST("/:id/messages", rateLimitMiddleware.Limit(), handlers.Message.Send)
			conversations.POST("/:id/read", handlers.Message.MarkConversationRead)
			conversations.GET("/:id/members", handlers.Conversation.GetMembers)
			conversations.POST("/:id/members", handlers.Conversation.AddMember)
			conversations.DELETE("/:id/members/:userId", handlers.Conversation.RemoveMember)
		}
		messages := protected.Group("/messages")
		{
			messages.GET("/unread-count", handlers.Message.GetUnreadCount)
			messages.PUT("/:messageId", handlers.Message.Edit)
			messages.DELETE("/:messageId", handlers.Message.Delete)
			messages.POST("/:messageId/read", handlers.Message.MarkRead)
			messages.POST("/:messageId/unread", handlers.Message.MarkUnread)
			messages.GET("/:messageId/readers", handlers.Message.GetReaders)
		}
		notifications := protected.Group("/notifications")
		{
			notifications.GET("", handlers.Notification.List)
			notifications.DELETE("", handlers.Notification.Clear)
		}
	}

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})

	return &chatStack{
		store:    store,
		registry: registry,
		server:   server,
	}
}

func (s *chatStack) token(t *testing.T, user *domain.User) string {
	t.Helper()
	token, err := jwt.GenerateAccessToken(user.ID, user.Email, user.Role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

// request выполняет REST-запрос от имени сотрудника и раскладывает JSON-ответ
// в out (если out != nil)
func (s *chatStack) request(t *testing.T, method, path string, user *domain.User, body, out interface{}) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, user))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (s *chatStack) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/chat?token=" + token
}

func (s *chatStack) dial(t *testing.T, user *domain.User) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(s.token(t, user)), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendClientEvent(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	data, err := json.Marshal(ws.Event{Type: eventType, Payload: raw})
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to write event: %v", err)
	}
}

// readEvent ждет событие нужного типа, пропуская фоновый шум вроде
// presence_changed
func readEvent(t *testing.T, conn *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("failed to set read deadline: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("did not receive %s event: %v", wantType, err)
		}
		var event ws.Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("malformed frame %q: %v", data, err)
		}
		if event.Type == wantType {
			return event.Payload
		}
	}
}

func TestWebSocketHandshakeRejectsInvalidToken(t *testing.T) {
	stack := newChatStack(t)

	_, resp, err := websocket.DefaultDialer.Dial(stack.wsURL("garbage-token"), nil)
	if err == nil {
		t.Fatal("handshake with a bad token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
	resp.Body.Close()
}

func TestRESTRequiresAuthentication(t *testing.T) {
	stack := newChatStack(t)

	var apiErr pkgerrors.APIError
	status := stack.request(t, http.MethodGet, "/api/v1/conversations", nil, nil, &apiErr)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}
	if apiErr.Category != pkgerrors.CategoryAuthentication {
		t.Fatalf("expected authentication category, got %q", apiErr.Category)
	}
}

func TestDirectConversationIsIdempotentOverREST(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	var first domain.Conversation
	status := stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &bob.ID}, &first)
	if status != http.StatusCreated {
		t.Fatalf("fresh direct conversation must return 201, got %d", status)
	}

	// Повтор с противоположной стороны возвращает ту же беседу кодом 200
	var second domain.Conversation
	status = stack.request(t, http.MethodPost, "/api/v1/conversations", bob,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &alice.ID}, &second)
	if status != http.StatusOK {
		t.Fatalf("existing direct conversation must return 200, got %d", status)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same conversation, got %s and %s", first.ID, second.ID)
	}
}

func TestDirectMessageDeliveredLive(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	var conversation domain.Conversation
	stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &bob.ID}, &conversation)

	aliceConn := stack.dial(t, alice)
	bobConn := stack.dial(t, bob)

	sendClientEvent(t, bobConn, ws.ClientEventSendMessage, ws.SendMessagePayload{
		ConversationID: conversation.ID,
		Content:        "deal is closed",
	})

	var received domain.Message
	payload := readEvent(t, aliceConn, ws.EventNewMessage)
	if err := json.Unmarshal(payload, &received); err != nil {
		t.Fatalf("failed to decode message payload: %v", err)
	}
	if received.Content != "deal is closed" {
		t.Fatalf("unexpected content: %q", received.Content)
	}
	if received.ConversationID != conversation.ID {
		t.Fatalf("message landed in the wrong conversation: %s", received.ConversationID)
	}
	if received.SenderID == nil || *received.SenderID != bob.ID {
		t.Fatalf("unexpected sender: %v", received.SenderID)
	}

	// Эхо приходит и на подключение отправителя
	var echo domain.Message
	if err := json.Unmarshal(readEvent(t, bobConn, ws.EventNewMessage), &echo); err != nil {
		t.Fatalf("failed to decode echo payload: %v", err)
	}
	if echo.ID != received.ID {
		t.Fatalf("echo carries a different message: %d vs %d", echo.ID, received.ID)
	}

	// Сообщение легло в историю
	var history struct {
		Messages []*domain.Message `json:"messages"`
	}
	status := stack.request(t, http.MethodGet, "/api/v1/conversations/"+conversation.ID.String()+"/messages", alice, nil, &history)
	if status != http.StatusOK {
		t.Fatalf("failed to load history: %d", status)
	}
	if len(history.Messages) != 1 || history.Messages[0].ID != received.ID {
		t.Fatalf("history must contain the delivered message, got %+v", history.Messages)
	}
}

func TestOfflineNotificationFlushOnReconnect(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	var conversation domain.Conversation
	stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &bob.ID}, &conversation)

	aliceConn := stack.dial(t, alice)

	// Боб офлайн: сообщение уходит в очередь уведомлений
	var sent domain.Message
	status := stack.request(t, http.MethodPost, "/api/v1/conversations/"+conversation.ID.String()+"/messages", alice,
		SendMessageRequest{Content: "are you there?"}, &sent)
	if status != http.StatusCreated {
		t.Fatalf("failed to send message: %d", status)
	}

	var unread struct {
		UnreadCount int `json:"unread_count"`
	}
	stack.request(t, http.MethodGet, "/api/v1/messages/unread-count?conversation_id="+conversation.ID.String(), bob, nil, &unread)
	if unread.UnreadCount != 1 {
		t.Fatalf("expected one unread message, got %d", unread.UnreadCount)
	}

	// При подключении очередь выгружается раньше живых событий
	bobConn := stack.dial(t, bob)
	var notification domain.Notification
	if err := json.Unmarshal(readEvent(t, bobConn, ws.EventNotification), &notification); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if notification.ConversationID != conversation.ID || notification.SenderName != "Alice" {
		t.Fatalf("unexpected notification: %+v", notification)
	}
	if notification.Preview != "are you there?" {
		t.Fatalf("unexpected preview: %q", notification.Preview)
	}

	// Отметка о прочтении через WebSocket доезжает до автора
	sendClientEvent(t, bobConn, ws.ClientEventMarkRead, ws.MarkReadPayload{ConversationID: conversation.ID})

	var read ws.MessagesReadPayload
	if err := json.Unmarshal(readEvent(t, aliceConn, ws.EventMessagesRead), &read); err != nil {
		t.Fatalf("failed to decode read payload: %v", err)
	}
	if read.UserID != bob.ID || len(read.MessageIDs) != 1 || read.MessageIDs[0] != sent.ID {
		t.Fatalf("unexpected read payload: %+v", read)
	}

	stack.request(t, http.MethodGet, "/api/v1/messages/unread-count?conversation_id="+conversation.ID.String(), bob, nil, &unread)
	if unread.UnreadCount != 0 {
		t.Fatalf("expected zero unread after catch-up, got %d", unread.UnreadCount)
	}
}

func TestJoinConversationDeniedForOutsider(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)
	mallory := stack.store.AddUser("Mallory", domain.RoleAgent)

	var conversation domain.Conversation
	stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &bob.ID}, &conversation)

	malloryConn := stack.dial(t, mallory)
	sendClientEvent(t, malloryConn, ws.ClientEventJoin, ws.ConversationRef{ConversationID: conversation.ID})

	var errPayload ws.ErrorPayload
	if err := json.Unmarshal(readEvent(t, malloryConn, ws.EventError), &errPayload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if errPayload.Code != pkgerrors.CategoryAuthorization {
		t.Fatalf("expected authorization denial, got %q", errPayload.Code)
	}

	// Участник проходит и получает подтверждение
	bobConn := stack.dial(t, bob)
	sendClientEvent(t, bobConn, ws.ClientEventJoin, ws.ConversationRef{ConversationID: conversation.ID})

	var joined ws.JoinedPayload
	if err := json.Unmarshal(readEvent(t, bobConn, ws.EventJoined), &joined); err != nil {
		t.Fatalf("failed to decode join confirmation: %v", err)
	}
	if joined.ConversationID != conversation.ID {
		t.Fatalf("confirmation for the wrong conversation: %s", joined.ConversationID)
	}
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	aliceConn := stack.dial(t, alice)
	bobConn := stack.dial(t, bob)

	var online domain.Presence
	if err := json.Unmarshal(readEvent(t, aliceConn, ws.EventPresenceChanged), &online); err != nil {
		t.Fatalf("failed to decode presence: %v", err)
	}
	if online.UserID != bob.ID || online.Status != domain.PresenceOnline {
		t.Fatalf("expected bob online, got %+v", online)
	}
	if !stack.registry.IsOnline(bob.ID) {
		t.Fatal("registry must track the live connection")
	}

	bobConn.Close()

	var offline domain.Presence
	if err := json.Unmarshal(readEvent(t, aliceConn, ws.EventPresenceChanged), &offline); err != nil {
		t.Fatalf("failed to decode presence: %v", err)
	}
	if offline.UserID != bob.ID || offline.Status != domain.PresenceOffline {
		t.Fatalf("expected bob offline, got %+v", offline)
	}
	if offline.LastSeenAt == nil {
		t.Fatal("offline presence must carry last seen time")
	}
}

func TestManualPresenceToggleOverWebSocket(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	aliceConn := stack.dial(t, alice)
	bobConn := stack.dial(t, bob)

	// Пропускаем событие о подключении Боба
	readEvent(t, aliceConn, ws.EventPresenceChanged)

	sendClientEvent(t, bobConn, ws.ClientEventSetPresence, ws.SetPresencePayload{Status: domain.PresenceAway})

	var away domain.Presence
	if err := json.Unmarshal(readEvent(t, aliceConn, ws.EventPresenceChanged), &away); err != nil {
		t.Fatalf("failed to decode presence: %v", err)
	}
	if away.UserID != bob.ID || away.Status != domain.PresenceAway {
		t.Fatalf("expected bob away, got %+v", away)
	}

	sendClientEvent(t, bobConn, ws.ClientEventSetPresence, ws.SetPresencePayload{Status: "invisible"})
	var errPayload ws.ErrorPayload
	if err := json.Unmarshal(readEvent(t, bobConn, ws.EventError), &errPayload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if errPayload.Code != pkgerrors.CategoryValidation {
		t.Fatalf("expected validation error, got %q", errPayload.Code)
	}
}

func TestMessageEditDeleteAuthzOverREST(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	var conversation domain.Conversation
	stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &bob.ID}, &conversation)

	var message domain.Message
	stack.request(t, http.MethodPost, "/api/v1/conversations/"+conversation.ID.String()+"/messages", alice,
		SendMessageRequest{Content: "typo hree"}, &message)

	messagePath := "/api/v1/messages/" + strconv.FormatInt(message.ID, 10)

	var apiErr pkgerrors.APIError
	status := stack.request(t, http.MethodPut, messagePath, bob, EditMessageRequest{Content: "hijack"}, &apiErr)
	if status != http.StatusForbidden || apiErr.Category != pkgerrors.CategoryAuthorization {
		t.Fatalf("foreign edit must be denied, got %d %q", status, apiErr.Category)
	}

	var edited domain.Message
	status = stack.request(t, http.MethodPut, messagePath, alice, EditMessageRequest{Content: "typo here"}, &edited)
	if status != http.StatusOK {
		t.Fatalf("sender edit failed: %d", status)
	}
	if !edited.IsEdited || edited.Content != "typo here" {
		t.Fatalf("edit markers missing: %+v", edited)
	}

	status = stack.request(t, http.MethodDelete, messagePath, bob, nil, &apiErr)
	if status != http.StatusForbidden {
		t.Fatalf("foreign delete must be denied, got %d", status)
	}

	status = stack.request(t, http.MethodDelete, messagePath, alice, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("sender delete failed: %d", status)
	}

	var history struct {
		Messages []*domain.Message `json:"messages"`
	}
	stack.request(t, http.MethodGet, "/api/v1/conversations/"+conversation.ID.String()+"/messages", alice, nil, &history)
	if len(history.Messages) != 0 {
		t.Fatalf("deleted message must leave the history, got %d", len(history.Messages))
	}
}

func TestConversationListCarriesUnreadCounts(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleManager)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	var group domain.Conversation
	status := stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeGroup, Title: "Escalations", MemberIDs: []uuid.UUID{bob.ID}}, &group)
	if status != http.StatusCreated {
		t.Fatalf("failed to create group: %d", status)
	}

	for _, content := range []string{"first", "second"} {
		stack.request(t, http.MethodPost, "/api/v1/conversations/"+group.ID.String()+"/messages", alice,
			SendMessageRequest{Content: content}, nil)
	}

	var list struct {
		Conversations []struct {
			domain.Conversation
			UnreadCount int `json:"unread_count"`
		} `json:"conversations"`
	}
	status = stack.request(t, http.MethodGet, "/api/v1/conversations", bob, nil, &list)
	if status != http.StatusOK {
		t.Fatalf("failed to list conversations: %d", status)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("expected one conversation, got %d", len(list.Conversations))
	}
	if list.Conversations[0].ID != group.ID || list.Conversations[0].UnreadCount != 2 {
		t.Fatalf("unexpected list item: %+v", list.Conversations[0])
	}

	// Для постороннего беседа не существует
	mallory := stack.store.AddUser("Mallory", domain.RoleAgent)
	var apiErr pkgerrors.APIError
	status = stack.request(t, http.MethodGet, "/api/v1/conversations/"+group.ID.String(), mallory, nil, &apiErr)
	if status != http.StatusForbidden || apiErr.Category != pkgerrors.CategoryAuthorization {
		t.Fatalf("outsider access must be denied, got %d %q", status, apiErr.Category)
	}
}

func TestNotificationsEndpointListsAndClears(t *testing.T) {
	stack := newChatStack(t)
	alice := stack.store.AddUser("Alice", domain.RoleAgent)
	bob := stack.store.AddUser("Bob", domain.RoleAgent)

	var conversation domain.Conversation
	stack.request(t, http.MethodPost, "/api/v1/conversations", alice,
		CreateConversationRequest{Type: domain.ConversationTypeDirect, PeerID: &bob.ID}, &conversation)

	// Оба сообщения уходят офлайновому Бобу в очередь
	for _, content := range []string{"ping", "ping again"} {
		stack.request(t, http.MethodPost, "/api/v1/conversations/"+conversation.ID.String()+"/messages", alice,
			SendMessageRequest{Content: content}, nil)
	}

	var listing struct {
		Notifications []*domain.Notification `json:"notifications"`
		Total         int64                  `json:"total"`
	}
	status := stack.request(t, http.MethodGet, "/api/v1/notifications", bob, nil, &listing)
	if status != http.StatusOK {
		t.Fatalf("failed to list notifications: %d", status)
	}
	if listing.Total != 2 || len(listing.Notifications) != 2 {
		t.Fatalf("expected two queued notifications, got %+v", listing)
	}

	status = stack.request(t, http.MethodDelete, "/api/v1/notifications", bob, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("failed to clear notifications: %d", status)
	}

	stack.request(t, http.MethodGet, "/api/v1/notifications", bob, nil, &listing)
	if listing.Total != 0 {
		t.Fatalf("queue must be empty after clear, got %d", listing.Total)
	}
}
