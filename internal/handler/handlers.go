package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/service"
	"crm_messenger/internal/ws"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	Message      *MessageHandler
	Notification *NotificationHandler
	WebSocket    *WebSocketHandler
}

func NewHandlers(services *service.Services, registry *ws.Registry, dispatcher *ws.Dispatcher, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(),
		Conversation: NewConversationHandler(services.Conversation, services.ReadTracker, registry, log),
		Message:      NewMessageHandler(services.Message, services.ReadTracker, log),
		Notification: NewNotificationHandler(services.Notification, log),
		WebSocket:    NewWebSocketHandler(services, registry, dispatcher, cfg.Chat, log),
	}
}

// currentUser достаёт сотрудника, положенного в контекст auth middleware
func currentUser(c *gin.Context) (*domain.User, bool) {
	value, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, pkgerrors.APIError{
			Message:  "user not authenticated",
			Category: pkgerrors.CategoryAuthentication,
		})
		return nil, false
	}

	user, ok := value.(*domain.User)
	if !ok {
		c.JSON(http.StatusUnauthorized, pkgerrors.APIError{
			Message:  "user not authenticated",
			Category: pkgerrors.CategoryAuthentication,
		})
		return nil, false
	}

	return user, true
}

// respondError переводит ошибку сервиса в HTTP-ответ со стабильной категорией.
// Внутренние детали наружу не уходят: клиент видит категорию и общий текст.
func respondError(c *gin.Context, log logger.Logger, err error) {
	category := pkgerrors.CategoryFromError(err)
	message := err.Error()
	if category == pkgerrors.CategoryInternal {
		log.Error("Request failed", "path", c.FullPath(), "error", err)
		message = "internal server error"
	}

	c.JSON(pkgerrors.HTTPStatusFromError(err), pkgerrors.APIError{
		Message:  message,
		Category: category,
	})
}
