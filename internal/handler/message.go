package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	"crm_messenger/internal/service"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

type MessageHandler struct {
	messageService service.MessageService
	readTracker    service.ReadTrackerService
	log            logger.Logger
}

func NewMessageHandler(
	messageService service.MessageService,
	readTracker service.ReadTrackerService,
	log logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		readTracker:    readTracker,
		log:            log,
	}
}

// GetHistory отдает страницу сообщений беседы, от новых к старым
func (h *MessageHandler) GetHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	messages, err := h.messageService.GetHistory(c.Request.Context(), user.ID, conversationID, page, pageSize)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":  messages,
		"page":      page,
		"page_size": pageSize,
	})
}

type SendMessageRequest struct {
	Content     string `json:"content" binding:"required"`
	MessageType string `json:"message_type,omitempty"`
	ReplyToID   *int64 `json:"reply_to_id,omitempty"`
}

func (h *MessageHandler) Send(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  err.Error(),
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if req.MessageType == "" {
		req.MessageType = domain.MessageTypeText
	}

	message, err := h.messageService.SendMessage(c.Request.Context(), user, conversationID, req.Content, req.MessageType, req.ReplyToID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *MessageHandler) Edit(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid message ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  err.Error(),
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	message, err := h.messageService.EditMessage(c.Request.Context(), user, messageID, req.Content)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, message)
}

func (h *MessageHandler) Delete(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid message ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if err := h.messageService.DeleteMessage(c.Request.Context(), user, messageID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "message deleted"})
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid message ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if err := h.readTracker.MarkRead(c.Request.Context(), user, messageID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "marked as read"})
}

func (h *MessageHandler) MarkUnread(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid message ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	if err := h.readTracker.MarkUnread(c.Request.Context(), user, messageID); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "marked as unread"})
}

// MarkConversationRead помечает прочитанными все сообщения беседы разом
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid conversation ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	marked, err := h.readTracker.MarkConversationRead(c.Request.Context(), user, conversationID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": len(marked)})
}

func (h *MessageHandler) GetReaders(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.APIError{
			Message:  "invalid message ID",
			Category: pkgerrors.CategoryValidation,
		})
		return
	}

	readers, err := h.readTracker.GetReaders(c.Request.Context(), user.ID, messageID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"readers": readers})
}

// GetUnreadCount возвращает количество непрочитанных. С параметром
// conversation_id - по одной беседе, без него - разбивку по всем.
func (h *MessageHandler) GetUnreadCount(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	if raw := c.Query("conversation_id"); raw != "" {
		conversationID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, pkgerrors.APIError{
				Message:  "invalid conversation ID",
				Category: pkgerrors.CategoryValidation,
			})
			return
		}

		count, err := h.readTracker.UnreadCount(c.Request.Context(), user.ID, conversationID)
		if err != nil {
			respondError(c, h.log, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "unread_count": count})
		return
	}

	counts, err := h.readTracker.UnreadCounts(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	total := 0
	byConversation := make(map[string]int, len(counts))
	for id, count := range counts {
		byConversation[id.String()] = count
		total += count
	}

	c.JSON(http.StatusOK, gin.H{
		"total":           total,
		"by_conversation": byConversation,
	})
}
