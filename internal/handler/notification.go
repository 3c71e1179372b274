package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"crm_messenger/internal/service"
	"crm_messenger/pkg/logger"
)

type NotificationHandler struct {
	notificationService service.NotificationService
	log                 logger.Logger
}

func NewNotificationHandler(notificationService service.NotificationService, log logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
		log:                 log,
	}
}

// List отдает накопленные офлайн-уведомления, не удаляя их из очереди.
// Очередь опустошается при следующем подключении по WebSocket.
func (h *NotificationHandler) List(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	notifications, err := h.notificationService.List(c.Request.Context(), user.ID, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	total, err := h.notificationService.Count(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"total":         total,
	})
}

func (h *NotificationHandler) Clear(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.notificationService.Clear(c.Request.Context(), user.ID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "notifications cleared"})
}
