package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/metrics"
	"crm_messenger/internal/service"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin проверяется на реверс-прокси CRM, сервис доверяет апстриму
	},
}

type WebSocketHandler struct {
	services   *service.Services
	registry   *ws.Registry
	dispatcher *ws.Dispatcher
	chatCfg    config.ChatConfig
	log        logger.Logger
}

func NewWebSocketHandler(
	services *service.Services,
	registry *ws.Registry,
	dispatcher *ws.Dispatcher,
	chatCfg config.ChatConfig,
	log logger.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		services:   services,
		registry:   registry,
		dispatcher: dispatcher,
		chatCfg:    chatCfg,
		log:        log,
	}
}

// HandleChat поднимает WebSocket-сессию сотрудника. Токен принимается в
// query-параметре token либо в заголовке Authorization: браузерный WebSocket
// API заголовки выставлять не умеет, поэтому query - основной путь.
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, pkgerrors.APIError{
			Message:  "authentication token required",
			Category: pkgerrors.CategoryAuthentication,
		})
		return
	}

	user, err := h.services.Auth.ValidateToken(c.Request.Context(), token)
	if err != nil {
		// Отказ до upgrade: клиент получает обычный HTTP-ответ
		c.JSON(pkgerrors.HTTPStatusFromError(err), pkgerrors.APIError{
			Message:  err.Error(),
			Category: pkgerrors.CategoryFromError(err),
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "user_id", user.ID, "error", err)
		return
	}

	client := ws.NewClient(conn, user, h.chatCfg.SendBufferSize, h.handleClientEvent, h.log)

	if h.registry.Register(client) {
		h.dispatcher.BroadcastPresence(h.registry.Presence(user.ID))
	}
	h.log.Info("WebSocket connected", "user_id", user.ID, "display_name", user.DisplayName)

	// Офлайн-очередь выгружается до первого живого события, чтобы клиент
	// увидел пропущенное раньше нового
	h.dispatcher.FlushNotifications(c.Request.Context(), client)

	client.Run()

	if h.registry.Unregister(client) {
		h.dispatcher.BroadcastPresence(h.registry.Presence(user.ID))
	}
	h.log.Info("WebSocket disconnected", "user_id", user.ID)
}

// handleClientEvent разбирает входящее событие и ведет его через сервисный
// слой. Ошибки уходят обратно этому же подключению событием error, сессия
// при этом не рвется.
func (h *WebSocketHandler) handleClientEvent(client *ws.Client, data []byte) {
	var event ws.Event
	if err := json.Unmarshal(data, &event); err != nil {
		h.sendError(client, fmt.Errorf("malformed event: %w", pkgerrors.ErrValidationFailure))
		return
	}

	metrics.EventsReceived.WithLabelValues(event.Type).Inc()

	// Обрыв соединения не должен отменять начатую запись, поэтому контекст
	// события не привязан к сессии
	ctx := context.Background()
	user := clientUser(client)

	switch event.Type {
	case ws.ClientEventJoin:
		h.handleJoin(ctx, client, event.Payload)

	case ws.ClientEventLeave:
		h.handleLeave(client, event.Payload)

	case ws.ClientEventSendMessage:
		var payload ws.SendMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
			return
		}
		messageType := payload.MessageType
		if messageType == "" {
			messageType = domain.MessageTypeText
		}
		if _, err := h.services.Message.SendMessage(ctx, user, payload.ConversationID, payload.Content, messageType, payload.ReplyToID); err != nil {
			h.sendError(client, err)
		}

	case ws.ClientEventEditMessage:
		var payload ws.EditMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
			return
		}
		if _, err := h.services.Message.EditMessage(ctx, user, payload.MessageID, payload.Content); err != nil {
			h.sendError(client, err)
		}

	case ws.ClientEventDelete:
		var payload ws.DeleteMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
			return
		}
		if err := h.services.Message.DeleteMessage(ctx, user, payload.MessageID); err != nil {
			h.sendError(client, err)
		}

	case ws.ClientEventTypingStart, ws.ClientEventTypingStop:
		var payload ws.ConversationRef
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
			return
		}
		isTyping := event.Type == ws.ClientEventTypingStart
		if err := h.services.Message.NotifyTyping(ctx, user, payload.ConversationID, isTyping); err != nil {
			h.sendError(client, err)
		}

	case ws.ClientEventMarkRead:
		var payload ws.MarkReadPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
			return
		}
		var err error
		if len(payload.MessageIDs) > 0 {
			_, err = h.services.ReadTracker.MarkMessagesRead(ctx, user, payload.ConversationID, payload.MessageIDs)
		} else {
			_, err = h.services.ReadTracker.MarkConversationRead(ctx, user, payload.ConversationID)
		}
		if err != nil {
			h.sendError(client, err)
		}

	case ws.ClientEventSetPresence:
		h.handleSetPresence(client, event.Payload)

	default:
		h.sendError(client, fmt.Errorf("unknown event type %q: %w", event.Type, pkgerrors.ErrValidationFailure))
	}
}

// handleJoin открывает беседу в рамках подключения. Членство проверяется
// здесь один раз, дальше подписка живет до leave_conversation или разрыва.
func (h *WebSocketHandler) handleJoin(ctx context.Context, client *ws.Client, payload json.RawMessage) {
	var ref ws.ConversationRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
		return
	}

	isMember, err := h.services.Conversation.IsMember(ctx, ref.ConversationID, client.UserID)
	if err != nil {
		h.sendError(client, err)
		return
	}
	if !isMember {
		h.sendError(client, fmt.Errorf("you are not a member of this conversation: %w", pkgerrors.ErrNotMember))
		return
	}

	client.JoinRoom(ref.ConversationID)

	event, err := ws.NewEvent(ws.EventJoined, ws.JoinedPayload{ConversationID: ref.ConversationID})
	if err != nil {
		return
	}
	client.Send(event)
}

func (h *WebSocketHandler) handleLeave(client *ws.Client, payload json.RawMessage) {
	var ref ws.ConversationRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
		return
	}

	client.LeaveRoom(ref.ConversationID)

	event, err := ws.NewEvent(ws.EventLeft, ws.JoinedPayload{ConversationID: ref.ConversationID})
	if err != nil {
		return
	}
	client.Send(event)
}

// handleSetPresence переключает ручной статус online/away. Смена
// рассылается, только если статус действительно изменился.
func (h *WebSocketHandler) handleSetPresence(client *ws.Client, payload json.RawMessage) {
	var req ws.SetPresencePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(client, fmt.Errorf("malformed payload: %w", pkgerrors.ErrValidationFailure))
		return
	}

	var changed bool
	switch req.Status {
	case domain.PresenceAway:
		changed = h.registry.SetAway(client.UserID, true)
	case domain.PresenceOnline:
		changed = h.registry.SetAway(client.UserID, false)
	default:
		h.sendError(client, fmt.Errorf("status must be online or away: %w", pkgerrors.ErrValidationFailure))
		return
	}

	if changed {
		h.dispatcher.BroadcastPresence(h.registry.Presence(client.UserID))
	}
}

// sendError уведомляет подключение о неудаче события. Внутренние детали
// наружу не уходят, клиент видит стабильный код категории.
func (h *WebSocketHandler) sendError(client *ws.Client, err error) {
	category := pkgerrors.CategoryFromError(err)
	message := err.Error()
	if category == pkgerrors.CategoryInternal {
		h.log.Error("Client event failed", "user_id", client.UserID, "error", err)
		message = "internal server error"
	}

	event, encodeErr := ws.NewEvent(ws.EventError, ws.ErrorPayload{Code: category, Message: message})
	if encodeErr != nil {
		return
	}
	client.Send(event)
}

// clientUser восстанавливает сотрудника из данных подключения. Профиль был
// проверен при рукопожатии, заново в базу не ходим.
func clientUser(client *ws.Client) *domain.User {
	return &domain.User{
		ID:          client.UserID,
		DisplayName: client.DisplayName,
		Role:        client.Role,
		IsActive:    true,
	}
}
